package warehouse

import (
	"testing"

	"warehousecore/testutil"
)

func TestWarehouseIsStorageAgnostic(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, ".", testutil.AnyOf(testutil.ExecutorImportForbidden, testutil.DriverImportForbidden),
		"entity warehouses reach storage only through domain.Executor")
}
