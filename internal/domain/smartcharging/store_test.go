package smartcharging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

func absoluteProfile(id, stackLevel int, purpose ocpp16.ChargingProfilePurpose, start time.Time, limit float64) *Profile {
	s := start
	return &Profile{
		ID:         id,
		StackLevel: stackLevel,
		Purpose:    purpose,
		Kind:       ocpp16.ChargingProfileKindAbsolute,
		Schedule: Schedule{
			RateUnit: ocpp16.ChargingRateUnitW,
			Start:    &s,
			Periods:  []Period{{StartPeriod: 0, Limit: limit}},
		},
	}
}

var testStart = time.Date(2026, 1, 8, 10, 0, 0, 0, time.UTC)

func TestStore_AddAndList(t *testing.T) {
	store := NewProfileStore()

	require.NoError(t, store.Add(1, absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)))
	require.NoError(t, store.Add(1, absoluteProfile(2, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 7400)))
	require.NoError(t, store.Add(0, absoluteProfile(3, 0, ocpp16.ChargingProfilePurposeChargePointMaxProfile, testStart, 22000)))

	assert.Len(t, store.ListForConnector(1), 2)
	assert.Len(t, store.ListForConnector(0), 1)
	assert.Equal(t, []int{0, 1}, store.ConnectorIDs())
}

func TestStore_AddRejectsStackConflict(t *testing.T) {
	store := NewProfileStore()

	require.NoError(t, store.Add(1, absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)))

	err := store.Add(1, absoluteProfile(2, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 7400))
	require.Error(t, err)

	var perr *ProfileError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrStackConflict, perr.Kind)
	assert.Len(t, store.ListForConnector(1), 1)
}

func TestStore_AddReplacesSameID(t *testing.T) {
	store := NewProfileStore()

	require.NoError(t, store.Add(1, absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)))

	// 同id重新下发可以改stackLevel，只要不与其他条目冲突
	require.NoError(t, store.Add(1, absoluteProfile(1, 5, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 9000)))

	profiles := store.ListForConnector(1)
	require.Len(t, profiles, 1)
	assert.Equal(t, 5, profiles[0].StackLevel)
	assert.Equal(t, 9000.0, profiles[0].Schedule.Periods[0].Limit)
}

func TestStore_AddReplaceStillChecksConflict(t *testing.T) {
	store := NewProfileStore()

	require.NoError(t, store.Add(1, absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)))
	require.NoError(t, store.Add(1, absoluteProfile(2, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 7400)))

	// id=1换到stackLevel=1会撞上id=2
	err := store.Add(1, absoluteProfile(1, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 9000))
	require.Error(t, err)

	// 失败的替换不能弄丢原条目
	profiles := store.ListForConnector(1)
	assert.Len(t, profiles, 2)
}

func TestStore_AddValidatesProfile(t *testing.T) {
	store := NewProfileStore()

	p := absoluteProfile(0, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)
	err := store.Add(1, p)
	require.Error(t, err)

	var perr *ProfileError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrInvariant, perr.Kind)
}

func TestStore_ClearByPurpose(t *testing.T) {
	// S4: 按purpose清除，只删TxDefault，留下ChargePointMax
	store := NewProfileStore()

	require.NoError(t, store.Add(1, absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)))
	require.NoError(t, store.Add(1, absoluteProfile(2, 0, ocpp16.ChargingProfilePurposeChargePointMaxProfile, testStart, 22000)))

	purpose := ocpp16.ChargingProfilePurposeTxDefaultProfile
	removed := store.Clear(1, ClearFilter{Purpose: &purpose})

	assert.Equal(t, 1, removed)
	survivors := store.ListForConnector(1)
	require.Len(t, survivors, 1)
	assert.Equal(t, 2, survivors[0].ID)
}

func TestStore_ClearFilterAND(t *testing.T) {
	store := NewProfileStore()

	require.NoError(t, store.Add(1, absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)))
	require.NoError(t, store.Add(1, absoluteProfile(2, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 7400)))

	purpose := ocpp16.ChargingProfilePurposeTxDefaultProfile
	level := 1
	removed := store.Clear(1, ClearFilter{Purpose: &purpose, StackLevel: &level})

	assert.Equal(t, 1, removed)
	survivors := store.ListForConnector(1)
	require.Len(t, survivors, 1)
	assert.Equal(t, 1, survivors[0].ID)
}

func TestStore_ClearWithoutFilterRemovesAllInScope(t *testing.T) {
	store := NewProfileStore()

	require.NoError(t, store.Add(1, absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)))
	require.NoError(t, store.Add(1, absoluteProfile(2, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 7400)))
	require.NoError(t, store.Add(2, absoluteProfile(3, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 7400)))

	removed := store.Clear(1, ClearFilter{})

	assert.Equal(t, 2, removed)
	assert.Empty(t, store.ListForConnector(1))
	assert.Len(t, store.ListForConnector(2), 1)
}

func TestStore_ClearAll(t *testing.T) {
	store := NewProfileStore()

	require.NoError(t, store.Add(0, absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeChargePointMaxProfile, testStart, 22000)))
	require.NoError(t, store.Add(1, absoluteProfile(2, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)))
	require.NoError(t, store.Add(2, absoluteProfile(3, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 7400)))

	removed := store.ClearAll(ClearFilter{})

	assert.Equal(t, 3, removed)
	assert.Empty(t, store.ConnectorIDs())
}

func TestStore_ClearByID(t *testing.T) {
	store := NewProfileStore()

	require.NoError(t, store.Add(1, absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, testStart, 11000)))

	id := 99
	assert.Equal(t, 0, store.Clear(1, ClearFilter{ProfileID: &id}))

	id = 1
	assert.Equal(t, 1, store.Clear(1, ClearFilter{ProfileID: &id}))
}
