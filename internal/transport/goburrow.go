package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"github.com/bifrost/modbus-gateway/internal/modbustag"
)

// GoburrowDriver opens Modbus TCP (and RTU-over-TCP) connections backed by
// github.com/goburrow/modbus, the same client library the teacher gateway
// uses for its own ModbusHandler.
//
// Byte-level Modbus framing is goburrow's concern, not ours: this type only
// translates tag strings into the calls goburrow's modbus.Client exposes
// and decodes the returned bytes into the typed Response this package
// promises. RTU-over-TCP connection strings are accepted and parsed but,
// since framing is explicitly out of scope, dispatched through the same
// MBAP-framed TCP client as plain TCP.
type GoburrowDriver struct {
	// Timeout bounds every individual wire request. The ConnectionManager
	// layer above also enforces request_timeout via context, but goburrow's
	// handler needs its own deadline to actually abort the socket read.
	Timeout time.Duration
}

// NewGoburrowDriver returns a driver using the given per-request timeout.
func NewGoburrowDriver(timeout time.Duration) *GoburrowDriver {
	return &GoburrowDriver{Timeout: timeout}
}

func (d *GoburrowDriver) Open(connectionString string) (Connection, error) {
	addr, unitID, err := parseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	handler := gomodbus.NewTCPClientHandler(addr)
	handler.Timeout = d.Timeout
	handler.SlaveId = unitID

	return &goburrowConnection{
		handler: handler,
		client:  gomodbus.NewClient(handler),
	}, nil
}

// parseConnectionString accepts "modbus:tcp://host:port?unit-identifier=n"
// and "modbus:rtu-tcp://host:port?unit-identifier=n".
func parseConnectionString(s string) (addr string, unitID byte, err error) {
	rest := strings.TrimPrefix(s, "modbus:")
	if rest == s {
		return "", 0, fmt.Errorf("transport: connection string %q missing modbus: prefix", s)
	}

	u, perr := url.Parse(rest)
	if perr != nil {
		return "", 0, fmt.Errorf("transport: invalid connection string %q: %w", s, perr)
	}
	switch u.Scheme {
	case "tcp", "rtu-tcp":
	default:
		return "", 0, fmt.Errorf("transport: unsupported connection scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", 0, fmt.Errorf("transport: connection string %q missing host", s)
	}

	unitID = 1
	if raw := u.Query().Get("unit-identifier"); raw != "" {
		n, perr := strconv.ParseUint(raw, 10, 8)
		if perr != nil {
			return "", 0, fmt.Errorf("transport: invalid unit-identifier in %q: %w", s, perr)
		}
		unitID = byte(n)
	}

	return u.Host, unitID, nil
}

type goburrowConnection struct {
	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client
}

func (c *goburrowConnection) Connect(ctx context.Context) error {
	return c.handler.Connect()
}

func (c *goburrowConnection) IsConnected() bool {
	return c.handler != nil
}

func (c *goburrowConnection) Close() error {
	return c.handler.Close()
}

func (c *goburrowConnection) NewReadRequest() ReadRequestBuilder {
	return &goburrowReadRequest{conn: c}
}

func (c *goburrowConnection) NewWriteRequest() WriteRequestBuilder {
	return &goburrowWriteRequest{conn: c}
}

type goburrowReadRequest struct {
	conn *goburrowConnection
	tags []string
}

func (r *goburrowReadRequest) AddRead(tag string) ReadRequestBuilder {
	r.tags = append(r.tags, tag)
	return r
}

func (r *goburrowReadRequest) Execute(ctx context.Context) (Response, error) {
	resp := newTagResponse()
	for _, tag := range r.tags {
		cat, address, count, err := modbustag.Parse(tag)
		if err != nil {
			resp.setMalformed(tag)
			continue
		}
		data, code, err := r.conn.readWire(cat, address, count)
		if err != nil {
			return nil, err
		}
		resp.setFromWire(tag, cat, count, data, code)
	}
	return resp, nil
}

func (c *goburrowConnection) readWire(cat modbustag.Category, address, count int) ([]byte, ResponseCode, error) {
	var data []byte
	var err error
	switch cat {
	case modbustag.Coil:
		data, err = c.client.ReadCoils(uint16(address), uint16(count))
	case modbustag.DiscreteInput:
		data, err = c.client.ReadDiscreteInputs(uint16(address), uint16(count))
	case modbustag.HoldingRegister:
		data, err = c.client.ReadHoldingRegisters(uint16(address), uint16(count))
	case modbustag.InputRegister:
		data, err = c.client.ReadInputRegisters(uint16(address), uint16(count))
	default:
		return nil, ResponseMalformed, fmt.Errorf("transport: unknown category %q", cat)
	}
	if err != nil {
		return nil, 0, err
	}
	return data, ResponseOK, nil
}

type goburrowWriteRequest struct {
	conn *goburrowConnection
	ops  []writeOp
}

type writeOp struct {
	tag    string
	cat    modbustag.Category
	addr   int
	count  int
	bools  []bool
	shorts []uint16
}

func (w *goburrowWriteRequest) AddWriteBool(tag string, value bool) WriteRequestBuilder {
	return w.addBools(tag, []bool{value})
}

func (w *goburrowWriteRequest) AddWriteBools(tag string, values []bool) WriteRequestBuilder {
	return w.addBools(tag, values)
}

func (w *goburrowWriteRequest) addBools(tag string, values []bool) WriteRequestBuilder {
	cat, addr, count, err := modbustag.Parse(tag)
	if err != nil {
		w.ops = append(w.ops, writeOp{tag: tag})
		return w
	}
	w.ops = append(w.ops, writeOp{tag: tag, cat: cat, addr: addr, count: count, bools: values})
	return w
}

func (w *goburrowWriteRequest) AddWriteShort(tag string, value uint16) WriteRequestBuilder {
	return w.addShorts(tag, []uint16{value})
}

func (w *goburrowWriteRequest) AddWriteShorts(tag string, values []uint16) WriteRequestBuilder {
	return w.addShorts(tag, values)
}

func (w *goburrowWriteRequest) addShorts(tag string, values []uint16) WriteRequestBuilder {
	cat, addr, count, err := modbustag.Parse(tag)
	if err != nil {
		w.ops = append(w.ops, writeOp{tag: tag})
		return w
	}
	w.ops = append(w.ops, writeOp{tag: tag, cat: cat, addr: addr, count: count, shorts: values})
	return w
}

func (w *goburrowWriteRequest) Execute(ctx context.Context) (Response, error) {
	resp := newTagResponse()
	for _, op := range w.ops {
		if op.cat == "" {
			resp.setMalformed(op.tag)
			continue
		}
		code, err := w.conn.writeWire(op)
		if err != nil {
			return nil, err
		}
		resp.codes[op.tag] = code
	}
	return resp, nil
}

func (c *goburrowConnection) writeWire(op writeOp) (ResponseCode, error) {
	var err error
	switch op.cat {
	case modbustag.Coil:
		if len(op.bools) <= 1 {
			value := uint16(0x0000)
			if len(op.bools) == 1 && op.bools[0] {
				value = 0xFF00
			}
			_, err = c.client.WriteSingleCoil(uint16(op.addr), value)
		} else {
			_, err = c.client.WriteMultipleCoils(uint16(op.addr), uint16(len(op.bools)), packBools(op.bools))
		}
	case modbustag.HoldingRegister:
		if len(op.shorts) <= 1 {
			var value uint16
			if len(op.shorts) == 1 {
				value = op.shorts[0]
			}
			_, err = c.client.WriteSingleRegister(uint16(op.addr), value&0xFFFF)
		} else {
			_, err = c.client.WriteMultipleRegisters(uint16(op.addr), uint16(len(op.shorts)), packShorts(op.shorts))
		}
	default:
		return ResponseMalformed, fmt.Errorf("transport: category %q is not writable", op.cat)
	}
	if err != nil {
		return 0, err
	}
	return ResponseOK, nil
}

func packBools(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func packShorts(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v&0xFFFF)
	}
	return out
}

// tagResponse is the bundled Response implementation shared by read and
// write requests.
type tagResponse struct {
	codes  map[string]ResponseCode
	bools  map[string][]bool
	shorts map[string][]uint16
}

func newTagResponse() *tagResponse {
	return &tagResponse{
		codes:  make(map[string]ResponseCode),
		bools:  make(map[string][]bool),
		shorts: make(map[string][]uint16),
	}
}

func (r *tagResponse) setMalformed(tag string) {
	r.codes[tag] = ResponseMalformed
}

func (r *tagResponse) setFromWire(tag string, cat modbustag.Category, count int, data []byte, code ResponseCode) {
	r.codes[tag] = code
	if code != ResponseOK {
		return
	}
	if cat.IsBoolean() {
		r.bools[tag] = unpackBools(data, count)
		return
	}
	r.shorts[tag] = unpackShorts(data, count)
}

func unpackBools(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		if byteIdx >= len(data) {
			break
		}
		out[i] = data[byteIdx]&(1<<bitIdx) != 0
	}
	return out
}

func unpackShorts(data []byte, count int) []uint16 {
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		if (i+1)*2 > len(data) {
			break
		}
		out[i] = binary.BigEndian.Uint16(data[i*2:]) & 0xFFFF
	}
	return out
}

func (r *tagResponse) Code(tag string) ResponseCode {
	if code, ok := r.codes[tag]; ok {
		return code
	}
	return ResponseMalformed
}

func (r *tagResponse) Bool(tag string) bool {
	if vs, ok := r.bools[tag]; ok && len(vs) > 0 {
		return vs[0]
	}
	return false
}

func (r *tagResponse) Short(tag string) uint16 {
	if vs, ok := r.shorts[tag]; ok && len(vs) > 0 {
		return vs[0]
	}
	return 0
}

func (r *tagResponse) AllBools(tag string) []bool {
	return r.bools[tag]
}

func (r *tagResponse) AllShorts(tag string) []uint16 {
	return r.shorts[tag]
}
