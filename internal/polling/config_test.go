package polling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost/modbus-gateway/internal/connmgr"
	"github.com/bifrost/modbus-gateway/internal/modbustag"
	"github.com/bifrost/modbus-gateway/internal/transport"
	"github.com/bifrost/modbus-gateway/internal/transporttest"
)

func testManager(t *testing.T) *connmgr.ConnectionManager {
	t.Helper()
	driver := &transporttest.FakeDriver{
		Exec: func(ctx context.Context, tags []string, isWrite bool) (transport.Response, error) {
			return nil, nil
		},
	}
	mgr, err := connmgr.New("dev-cfg-test", driver, connmgr.Options{ConnectionString: "modbus:tcp://127.0.0.1:502"})
	require.NoError(t, err)
	return mgr
}

func TestConfigBuilderRejectsEmptyDeviceID(t *testing.T) {
	_, err := NewConfigBuilder("", testManager(t)).
		AddMeasurement(hr("a", 0, 1)).
		Build()
	assert.Error(t, err)
}

func TestConfigBuilderRejectsNoMeasurements(t *testing.T) {
	_, err := NewConfigBuilder("dev", testManager(t)).Build()
	assert.Error(t, err)
}

func TestConfigBuilderRejectsDuplicateIDs(t *testing.T) {
	_, err := NewConfigBuilder("dev", testManager(t)).
		AddMeasurement(hr("a", 0, 1)).
		AddMeasurement(hr("a", 1, 1)).
		Build()
	assert.Error(t, err)
}

func TestConfigBuilderRejectsOverlap(t *testing.T) {
	_, err := NewConfigBuilder("dev", testManager(t)).
		AddMeasurement(hr("a", 0, 2)).
		AddMeasurement(hr("b", 1, 2)).
		Build()
	assert.Error(t, err)
}

func TestConfigBuilderRejectsNonPositiveInterval(t *testing.T) {
	b := NewConfigBuilder("dev", testManager(t)).AddMeasurement(hr("a", 0, 1))
	b.PollInterval(0)
	_, err := b.Build()
	assert.Error(t, err)
}

func TestConfigBuilderAcceptsValidConfig(t *testing.T) {
	cfg, err := NewConfigBuilder("dev", testManager(t)).
		AddMeasurement(hr("a", 100, 1)).
		AddMeasurement(hr("b", 101, 1)).
		AddMeasurement(MeasurementDefinition{ID: "c", Category: modbustag.Coil, Address: 0, Count: 1}).
		Build()
	require.NoError(t, err)
	assert.Len(t, cfg.Batches(), 2)
}
