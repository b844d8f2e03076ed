// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int](10)
	assert.Len(t, s, 0)

	s.Insert(3, 7, 3)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	ids := MakeWith("device0", "device1")
	assert.True(t, ids.Has("device1"))
	assert.False(t, ids.Has("device2"))
	delete(ids, "device1")
	assert.False(t, ids.Has("device1"))
	assert.Len(t, MakeWith[int](), 0)
}
