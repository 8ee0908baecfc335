package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduintbd/eod-sub000/internal/model"
)

func TestDecodeAlertDetails(t *testing.T) {
	var a model.MarginAlert
	require.NoError(t, decodeAlertDetails(&a, []byte(`{"loan_balance":"150000","call_count":2}`)))
	assert.Equal(t, "150000", a.Details["loan_balance"])
	assert.Equal(t, float64(2), a.Details["call_count"])

	var empty model.MarginAlert
	require.NoError(t, decodeAlertDetails(&empty, nil))
	assert.Nil(t, empty.Details)

	bad := model.MarginAlert{ID: "alert-1"}
	err := decodeAlertDetails(&bad, []byte(`{"loan_balance":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert-1")
}
