package sigen

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/devskill-org/kepler-ems/internal/actuator"
)

// fakeClient is an in-memory register file so the Actuator's register-map
// translation can be tested without a real Modbus endpoint.
type fakeClient struct {
	input         map[uint16][]byte
	holdingWrites map[uint16][]byte
	err           error
}

func newFakeClient() *fakeClient {
	return &fakeClient{input: map[uint16][]byte{}, holdingWrites: map[uint16][]byte{}}
}

func (f *fakeClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.input[address], nil
}

func (f *fakeClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, value)
	f.holdingWrites[address] = buf
	return nil, nil
}

func (f *fakeClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.holdingWrites[address] = value
	return nil, nil
}

func u16Bytes(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

func TestGetSensorBatterySOC(t *testing.T) {
	c := newFakeClient()
	c.input[regESSSOC] = u16Bytes(555) // 55.5%
	a := NewWithClient(c)

	v, ok, err := a.GetSensor(context.Background(), actuator.SensorBatterySOCPercent)
	if err != nil || !ok {
		t.Fatalf("GetSensor error=%v ok=%v", err, ok)
	}
	if v != 55.5 {
		t.Errorf("soc = %v, want 55.5", v)
	}
}

func TestGetSensorUnknownID(t *testing.T) {
	a := NewWithClient(newFakeClient())
	_, _, err := a.GetSensor(context.Background(), actuator.SensorID("bogus"))
	if err == nil {
		t.Fatal("expected an error for an unknown sensor id")
	}
}

func TestSetWorkModeChargeWritesRemoteEMSMode(t *testing.T) {
	c := newFakeClient()
	a := NewWithClient(c)

	if err := a.SetWorkMode(context.Background(), actuator.WorkModeCharge); err != nil {
		t.Fatalf("SetWorkMode error: %v", err)
	}
	got := binary.BigEndian.Uint16(c.holdingWrites[regRemoteEMSMode])
	if got != remoteEMSModeCommandChargeGrid {
		t.Errorf("remote ems mode = %d, want %d", got, remoteEMSModeCommandChargeGrid)
	}
	if binary.BigEndian.Uint16(c.holdingWrites[regRemoteEMSEnable]) != 1 {
		t.Error("expected remote ems to be enabled")
	}
}

func TestSetWaterTempOffDisablesHeater(t *testing.T) {
	c := newFakeClient()
	a := NewWithClient(c)

	if err := a.SetWaterTemp(context.Background(), tempOffC); err != nil {
		t.Fatalf("SetWaterTemp error: %v", err)
	}
	if binary.BigEndian.Uint16(c.holdingWrites[regWaterHeatEnable]) != 0 {
		t.Error("expected water heater disabled at temp_off")
	}
}

func TestSetWaterTempBoostEnablesHeaterAtTarget(t *testing.T) {
	c := newFakeClient()
	a := NewWithClient(c)

	if err := a.SetWaterTemp(context.Background(), tempBoostC); err != nil {
		t.Fatalf("SetWaterTemp error: %v", err)
	}
	if binary.BigEndian.Uint16(c.holdingWrites[regWaterHeatEnable]) != 1 {
		t.Error("expected water heater enabled at boost temp")
	}
	got := binary.BigEndian.Uint16(c.holdingWrites[regWaterTempTarget])
	if got != uint16(tempBoostC*10) {
		t.Errorf("target register = %d, want %d", got, uint16(tempBoostC*10))
	}
}

func TestSetSOCTargetRejectsOutOfRange(t *testing.T) {
	a := NewWithClient(newFakeClient())
	if err := a.SetSOCTarget(context.Background(), 150); err == nil {
		t.Fatal("expected rejection for out-of-range soc target")
	}
}

func TestActuatorPropagatesTransportFailureAsUnreachable(t *testing.T) {
	c := newFakeClient()
	c.err = context.DeadlineExceeded
	a := NewWithClient(c)
	_, _, err := a.GetSensor(context.Background(), actuator.SensorBatterySOCPercent)
	if err == nil {
		t.Fatal("expected error on transport failure")
	}
}
