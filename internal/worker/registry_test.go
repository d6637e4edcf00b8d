package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/intake/internal/domain"
)

func nopType(key string) HandlerType {
	return HandlerType{Key: key, New: func(domain.Store) domain.Handler { return &fakeHandler{} }}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(nopType("a"), "alpha", 3, domain.PurposeIngestion))
	require.NoError(t, r.Register(nopType("b"), "beta", 5, domain.PurposeInternal))

	regs := r.Registrations()
	require.Len(t, regs, 2)
	assert.Equal(t, "alpha", regs[0].Name)
	assert.Equal(t, "beta", regs[1].Name)
	assert.Equal(t, 8, r.Capacity())
	assert.Equal(t, []string{"alpha"}, r.ByPurpose(domain.PurposeIngestion))
}

func TestRegistry_Register_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		typ      HandlerType
		regName  string
		maxItems int
		purpose  domain.Purpose
	}{
		{"empty name", nopType("a"), "", 1, domain.PurposeInternal},
		{"whitespace name", nopType("a"), "   ", 1, domain.PurposeInternal},
		{"zero max", nopType("a"), "alpha", 0, domain.PurposeInternal},
		{"negative max", nopType("a"), "alpha", -2, domain.PurposeInternal},
		{"no constructor", HandlerType{Key: "a"}, "alpha", 1, domain.PurposeInternal},
		{"unknown purpose", nopType("a"), "alpha", 1, "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tt.typ, tt.regName, tt.maxItems, tt.purpose)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
			assert.Empty(t, r.Registrations())
		})
	}
}

func TestRegistry_Register_DuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(nopType("a"), "alpha", 1, domain.PurposeInternal))

	err := r.Register(nopType("b"), " alpha ", 2, domain.PurposeExport)
	assert.ErrorIs(t, err, domain.ErrDuplicateHandler)
	assert.Len(t, r.Registrations(), 1)
}

func TestRegistry_RegistrationsIsACopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(nopType("a"), "alpha", 1, domain.PurposeInternal))

	regs := r.Registrations()
	regs[0].Name = "mutated"

	assert.Equal(t, "alpha", r.Registrations()[0].Name)
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Registrations())
	assert.Equal(t, 0, r.Capacity())
}
