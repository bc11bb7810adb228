package transport

import (
	"reflect"
	"testing"

	"github.com/bifrost/modbus-gateway/internal/modbustag"
)

func TestParseConnectionStringDefaultsUnitIdentifier(t *testing.T) {
	addr, unit, err := parseConnectionString("modbus:tcp://10.0.0.5:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "10.0.0.5:502" {
		t.Fatalf("expected addr 10.0.0.5:502, got %q", addr)
	}
	if unit != 1 {
		t.Fatalf("expected default unit-identifier 1, got %d", unit)
	}
}

func TestParseConnectionStringHonorsUnitIdentifier(t *testing.T) {
	_, unit, err := parseConnectionString("modbus:tcp://10.0.0.5:502?unit-identifier=7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unit != 7 {
		t.Fatalf("expected unit-identifier 7, got %d", unit)
	}
}

func TestParseConnectionStringAcceptsRTUOverTCP(t *testing.T) {
	addr, _, err := parseConnectionString("modbus:rtu-tcp://10.0.0.5:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "10.0.0.5:502" {
		t.Fatalf("expected addr 10.0.0.5:502, got %q", addr)
	}
}

func TestParseConnectionStringRejectsMissingPrefix(t *testing.T) {
	if _, _, err := parseConnectionString("tcp://10.0.0.5:502"); err == nil {
		t.Fatal("expected error for missing modbus: prefix")
	}
}

func TestParseConnectionStringRejectsUnknownScheme(t *testing.T) {
	if _, _, err := parseConnectionString("modbus:udp://10.0.0.5:502"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestPackUnpackBoolsRoundTrip(t *testing.T) {
	values := []bool{true, false, true, true, false, false, false, true, true}
	packed := packBools(values)
	got := unpackBools(packed, len(values))
	if !reflect.DeepEqual(got, values) {
		t.Fatalf("expected %v, got %v", values, got)
	}
}

func TestPackUnpackShortsRoundTrip(t *testing.T) {
	values := []uint16{0, 1, 42, 0xFFFF, 0x1234}
	packed := packShorts(values)
	got := unpackShorts(packed, len(values))
	if !reflect.DeepEqual(got, values) {
		t.Fatalf("expected %v, got %v", values, got)
	}
}

func TestTagResponseDefaultsUnknownTagToMalformed(t *testing.T) {
	r := newTagResponse()
	if r.Code("missing") != ResponseMalformed {
		t.Fatal("expected unknown tag to report ResponseMalformed")
	}
}

func TestTagResponseSetFromWireBoolean(t *testing.T) {
	r := newTagResponse()
	data := packBools([]bool{true, false, true})
	r.setFromWire("coil:0[3]", modbustag.Coil, 3, data, ResponseOK)

	if r.Code("coil:0[3]") != ResponseOK {
		t.Fatal("expected ResponseOK")
	}
	if !reflect.DeepEqual(r.AllBools("coil:0[3]"), []bool{true, false, true}) {
		t.Fatalf("unexpected bools: %v", r.AllBools("coil:0[3]"))
	}
}
