package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djb258/garage-mcp/internal/model"
)

func TestValidateProcessID(t *testing.T) {
	valid := []string{
		"PROC-demo-20250101-120000-001",
		"PROC-client_intake-20251231-235959-123456",
		"PROC-a1-20250101-000000-999",
	}
	for _, id := range valid {
		assert.NoError(t, model.ValidateProcessID(id), id)
	}

	invalid := []string{
		"",
		"PROC-Demo-20250101-120000-001",  // uppercase slug
		"PROC-demo-2025011-120000-001",   // 7-digit date
		"PROC-demo-20250101-12000-001",   // 5-digit time
		"PROC-demo-20250101-120000-01",   // 2-digit sequence
		"PROC-demo-20250101-120000-1234567",
		"proc-demo-20250101-120000-001",
		"PROC--20250101-120000-001",
		"PROC-demo-20250101-120000-001 ",
	}
	for _, id := range invalid {
		err := model.ValidateProcessID(id)
		require.Error(t, err, id)
		assert.True(t, errors.Is(err, model.ErrInvalidIdentifier), id)
		var iie *model.InvalidIdentifierError
		require.True(t, errors.As(err, &iie))
		assert.Equal(t, "process_id", iie.Field)
	}
}

func TestValidateIdempotencyKey(t *testing.T) {
	pid := "PROC-demo-20250101-120000-001"

	assert.NoError(t, model.ValidateIdempotencyKey("", pid), "absent key is valid")
	assert.NoError(t, model.ValidateIdempotencyKey("IDEM-"+pid, pid))

	err := model.ValidateIdempotencyKey("IDEM-demo-20250101-120000-001", pid)
	assert.ErrorIs(t, err, model.ErrInvalidIdentifier, "missing PROC- segment")

	err = model.ValidateIdempotencyKey("IDEM-PROC-demo-20250101-120000-002", pid)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidIdentifier)
	assert.Contains(t, err.Error(), "does not match process_id")
}

func TestValidateHDOIdentifiers(t *testing.T) {
	h := model.HDO{ProcessID: "PROC-demo-20250101-120000-001"}
	assert.NoError(t, model.ValidateHDOIdentifiers(h))

	h.Meta.IdempotencyKey = model.IdempotencyKeyFor(h.ProcessID)
	assert.NoError(t, model.ValidateHDOIdentifiers(h))

	h.Meta.IdempotencyKey = "IDEM-PROC-other-20250101-120000-001"
	assert.ErrorIs(t, model.ValidateHDOIdentifiers(h), model.ErrInvalidIdentifier)

	h = model.HDO{ProcessID: "bad"}
	assert.ErrorIs(t, model.ValidateHDOIdentifiers(h), model.ErrInvalidIdentifier)
}

func TestNewProcessID(t *testing.T) {
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	id, err := model.NewProcessID("demo", ts, 1)
	require.NoError(t, err)
	assert.Equal(t, "PROC-demo-20250101-120000-001", id)
	assert.NoError(t, model.ValidateProcessID(id))

	id, err = model.NewProcessID("intake_v2", ts, 123456)
	require.NoError(t, err)
	assert.NoError(t, model.ValidateProcessID(id))

	_, err = model.NewProcessID("Bad Slug", ts, 1)
	assert.ErrorIs(t, err, model.ErrInvalidIdentifier)

	_, err = model.NewProcessID("demo", ts, 1_000_000)
	assert.Error(t, err)
}
