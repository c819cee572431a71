package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/cuemix/pkg/console"
)

func TestUpdateChannelWireShape(t *testing.T) {
	raw, err := Marshal(UpdateChannel{MixIndex: 0, ChannelIndex: 3, Update: console.SetMuted(true)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"update_channel","data":{"mixIndex":0,"channelIndex":3,"update":{"isMuted":true}}}`, string(raw))

	m, err := Unmarshal(raw)
	require.NoError(t, err)
	u, ok := m.(UpdateChannel)
	require.True(t, ok)
	assert.Equal(t, 3, u.ChannelIndex)
	require.NotNil(t, u.Update.IsMuted)
	assert.True(t, *u.Update.IsMuted)
	assert.Nil(t, u.Update.FaderValue)
}

func TestNamePayloadsAreBareStrings(t *testing.T) {
	raw, err := Marshal(SavePreset{Name: "Sunday"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"save_preset","data":"Sunday"}`, string(raw))

	m, err := Unmarshal([]byte(`{"event":"delete_preset","data":"Sunday"}`))
	require.NoError(t, err)
	assert.Equal(t, DeletePreset{Name: "Sunday"}, m)
}

func TestSyncStateIsBareArray(t *testing.T) {
	st, err := console.NewState(2, 1)
	require.NoError(t, err)
	f, err := Encode(SyncState{State: st})
	require.NoError(t, err)

	var decoded [][]map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "CH 1", decoded[1][0]["name"])

	m, err := Decode(f)
	require.NoError(t, err)
	assert.Equal(t, SyncState{State: st}, m)
}

func TestEmptyPresetsListEncodesAsArray(t *testing.T) {
	raw, err := Marshal(PresetsList{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"presets_list","data":[]}`, string(raw))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing event", `{"data":{}}`},
		{"unknown event", `{"event":"explode"}`},
		{"update without data", `{"event":"update_channel"}`},
		{"update missing channel", `{"event":"update_channel","data":{"mixIndex":0,"update":{"isMuted":true}}}`},
		{"update missing patch", `{"event":"update_channel","data":{"mixIndex":0,"channelIndex":1}}`},
		{"update empty patch", `{"event":"update_channel","data":{"mixIndex":0,"channelIndex":1,"update":{}}}`},
		{"update negative index", `{"event":"update_channel","data":{"mixIndex":-1,"channelIndex":1,"update":{"isMuted":true}}}`},
		{"update wrong type", `{"event":"update_channel","data":{"mixIndex":0,"channelIndex":1,"update":{"faderValue":"loud"}}}`},
		{"init zero", `{"event":"init_setup","data":{"count":0}}`},
		{"init too many", `{"event":"init_setup","data":{"count":500}}`},
		{"init missing count", `{"event":"init_setup","data":{}}`},
		{"save empty name", `{"event":"save_preset","data":""}`},
		{"load non string", `{"event":"load_preset","data":{"name":"x"}}`},
		{"ragged sync", `{"event":"sync_state","data":[[{"name":"a"}],[]]}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tc.raw))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestGetPresetsNeedsNoData(t *testing.T) {
	m, err := Unmarshal([]byte(`{"event":"get_presets"}`))
	require.NoError(t, err)
	assert.Equal(t, GetPresets{}, m)
}

func TestErrorRoundTrip(t *testing.T) {
	raw, err := Marshal(Error{For: EventLoadPreset, Message: "preset not found"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"error","data":{"event":"load_preset","message":"preset not found"}}`, string(raw))
}
