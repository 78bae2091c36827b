package execution

import (
	"testing"

	"warehousecore/testutil"
)

func TestNoExecutorOrDriverImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(testutil.ExecutorImportForbidden, testutil.DriverImportForbidden),
		"execution must reach storage only through domain.Executor")
}
