package entity

import (
	"errors"
	"testing"
	"time"

	"warehousecore/pkg/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineItem struct {
	SKU string `warehouse:"sku"`
	Qty int    `warehouse:"qty"`
}

type audit struct {
	CreatedAt time.Time  `warehouse:"created_at,created"`
	UpdatedAt *time.Time `warehouse:"updated_at,updated"`
}

type order struct {
	OrderID  int64           `warehouse:"id,pk"`
	Customer string          `warehouse:"customer"`
	Total    decimal.Decimal `warehouse:"total"`
	Paid     bool
	Version  int32 `warehouse:"version,version"`
	Items    []lineItem
	Tags     map[string]string
	Note     *string
	Scratch  string `warehouse:"-"`
	audit
	hidden int
}

type tenantUser struct {
	Tenant string `warehouse:"tenant,pk"`
	UserID int    `warehouse:"user_id,pk"`
}

func (tenantUser) ObjectName() string { return "users" }

type noKey struct {
	Name string
}

func TestDescribeCollectsRoles(t *testing.T) {
	meta, err := Describe[order]()
	require.NoError(t, err)
	assert.Equal(t, "order", meta.Name())
	assert.Equal(t, []string{"id"}, meta.PrimaryKeys())
	assert.Equal(t, "version", meta.VersionField())
	assert.Equal(t, "created_at", meta.CreatedField())
	assert.Equal(t, "updated_at", meta.UpdatedField())
	assert.Equal(t, []string{"id", "customer", "total", "paid", "version", "items", "tags", "note", "created_at", "updated_at"}, meta.Fields())
	assert.Equal(t, 10, meta.FieldCount())
	assert.False(t, meta.HasField("scratch"))

	again, err := Describe[order]()
	require.NoError(t, err)
	assert.Same(t, meta, again)
}

func TestDescribeRejectsInvalidTypes(t *testing.T) {
	_, err := Describe[noKey]()
	assert.Error(t, err)
	_, err = Describe[int]()
	assert.True(t, errors.Is(err, ErrNotStruct))
}

func TestIdentityComposite(t *testing.T) {
	meta := MustDescribe[tenantUser]()
	assert.Equal(t, "users", meta.Name())
	id, err := meta.Identity(tenantUser{Tenant: "acme", UserID: 4})
	require.NoError(t, err)
	assert.Equal(t, "acme|4", id)
	assert.Equal(t, id, meta.IdentityOfRow(meta.KeyRow(tenantUser{Tenant: "acme", UserID: 4})))

	_, err = meta.Identity(tenantUser{Tenant: "acme"})
	assert.ErrorIs(t, err, domain.ErrEmptyIdentity)
}

func TestRowRoundTripConvertsDriverTypes(t *testing.T) {
	meta := MustDescribe[order]()
	row := domain.Row{
		"id":         int64(9),
		"customer":   []byte("c1"),
		"total":      "12.40",
		"paid":       int64(1),
		"version":    int64(3),
		"items":      `[{"SKU":"a","Qty":2}]`,
		"created_at": "2024-03-01T10:00:00Z",
		"updated_at": "2024-03-02 11:00:00",
		"unknown":    "ignored",
	}
	o, err := meta.FromRow(row)
	require.NoError(t, err)
	assert.Equal(t, int64(9), o.OrderID)
	assert.Equal(t, "c1", o.Customer)
	assert.True(t, decimal.RequireFromString("12.4").Equal(o.Total))
	assert.True(t, o.Paid)
	assert.Equal(t, int32(3), o.Version)
	assert.Equal(t, []lineItem{{SKU: "a", Qty: 2}}, o.Items)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), o.CreatedAt)
	require.NotNil(t, o.UpdatedAt)
	assert.Equal(t, 11, o.UpdatedAt.Hour())

	out := meta.ToRow(o)
	assert.Equal(t, int64(9), out["id"])
	assert.Nil(t, out["note"])
	assert.Equal(t, *o.UpdatedAt, out["updated_at"])
}

func TestSetAndGet(t *testing.T) {
	meta := MustDescribe[order]()
	var o order
	require.NoError(t, meta.Set(&o, "version", int64(7)))
	require.NoError(t, meta.Set(&o, "note", "hello"))
	require.NoError(t, meta.Set(&o, "customer", int64(42)))
	assert.Equal(t, int32(7), o.Version)
	require.NotNil(t, o.Note)
	assert.Equal(t, "hello", *o.Note)
	assert.Equal(t, "42", o.Customer)

	v, err := meta.Get(o, "note")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	assert.ErrorIs(t, meta.Set(&o, "nope", 1), domain.ErrUnknownField)
	_, err = meta.Get(o, "nope")
	assert.ErrorIs(t, err, domain.ErrUnknownField)
	assert.Error(t, meta.Set(&o, "version", 1.5))
	assert.Error(t, meta.Set(&o, "version", int64(1)<<40))
}

func TestCloneIsDeep(t *testing.T) {
	meta := MustDescribe[order]()
	note := "n"
	o := order{OrderID: 1, Items: []lineItem{{SKU: "a"}}, Tags: map[string]string{"k": "v"}, Note: &note}
	cp := meta.Clone(o)
	cp.Items[0].SKU = "b"
	cp.Tags["k"] = "w"
	*cp.Note = "changed"
	assert.Equal(t, "a", o.Items[0].SKU)
	assert.Equal(t, "v", o.Tags["k"])
	assert.Equal(t, "n", *o.Note)
}

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"OrderID":     "order_id",
		"HTTPServer":  "http_server",
		"lineItem":    "line_item",
		"Address2Zip": "address2_zip",
		"ID":          "id",
	} {
		assert.Equal(t, want, SnakeCase(in), in)
	}
}
