// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_Defaults(t *testing.T) {
	i := New(nil, Config{Database: "shop"})
	assert.Equal(t, "public", i.cfg.ViewSchema)
	assert.Equal(t, "pgsync_tracked_tables", i.cfg.ViewName)
	assert.NotNil(t, i.cfg.Logger)
}

func TestChannelAndSlotName(t *testing.T) {
	i := New(nil, Config{Database: "Shop-DB"})
	assert.Equal(t, "pgsync_shop_db", i.ChannelName())
	assert.Equal(t, "shop_db", i.SlotName())
}

func TestInsufficientPrivilegeError(t *testing.T) {
	var err error = InsufficientPrivilegeError{}
	assert.Contains(t, err.Error(), "superuser")
}

func TestSlotInUseError_Is(t *testing.T) {
	err := fnReturningSlotInUse()
	var slotInUse SlotInUseError
	assert.True(t, errors.As(err, &slotInUse))
	assert.Equal(t, "shop_db", slotInUse.Slot)
}

func fnReturningSlotInUse() error {
	return SlotInUseError{Slot: "shop_db"}
}

func TestQualifiedTableList(t *testing.T) {
	got := qualifiedTableList([]TableRef{{Schema: "public", Table: "orders"}, {Schema: "public", Table: "customers"}})
	assert.Equal(t, `"public"."orders", "public"."customers"`, got)
}
