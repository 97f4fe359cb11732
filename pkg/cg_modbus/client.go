package cg_modbus

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

const (
	METHOD_RTU = "rtu"
	METHOD_TCP = "tcp"
)

// Transport performs register reads and writes against one connection. All
// calls are bounded by the transport timeout.
type Transport interface {
	Method() string
	ReadRegisters(ctx context.Context, unit uint8, addr uint16, quantity uint16) ([]uint16, error)
	WriteRegister(ctx context.Context, unit uint8, addr uint16, value uint16) error
	Close() error
}

// Lender is implemented by transports that can lend their connection for a
// while with another timeout and without protocol logging. Requests on the
// lender wait until release is called.
type Lender interface {
	Lend(timeout time.Duration) (t Transport, release func(), err error)
}

// Borrow returns t bound to timeout for a series of short requests. When t
// cannot lend its connection every call gets a context deadline instead.
func Borrow(t Transport, timeout time.Duration) (Transport, func(), error) {
	if l, ok := t.(Lender); ok {
		return l.Lend(timeout)
	}
	return &deadlineTransport{Transport: t, timeout: timeout}, func() {}, nil
}

type deadlineTransport struct {
	Transport
	timeout time.Duration
}

func (t *deadlineTransport) ReadRegisters(ctx context.Context, unit uint8, addr uint16, quantity uint16) ([]uint16, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Transport.ReadRegisters(ctx, unit, addr, quantity)
}

func (t *deadlineTransport) WriteRegister(ctx context.Context, unit uint8, addr uint16, value uint16) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Transport.WriteRegister(ctx, unit, addr, value)
}

// Close leaves the lender's connection open.
func (t *deadlineTransport) Close() error {
	return nil
}

type ClientOptions struct {
	// URL in simonvetter/modbus form, e.g. rtu:///dev/ttyUSB0 or tcp://10.0.0.5:502
	URL     string
	Speed   uint
	Timeout time.Duration
	// Quiet discards protocol level logging, used while probing.
	Quiet bool
}

type ModbusClient struct {
	mu         sync.Mutex
	client     *modbus.ModbusClient
	conf       modbus.ClientConfiguration
	method     string
	url        string
	instrument []ModbusInstrument
	logger     *zap.Logger
}

type ModbusInstrument struct {
	RecordTime func(fnName string, readTime time.Duration)
}

func CreateModbusClient(opts ClientOptions, logger *zap.Logger, instrumentation *ModbusInstrument) (*ModbusClient, error) {
	method, err := MethodFromURL(opts.URL)
	if err != nil {
		return nil, err
	}
	protoLogger := quietLogger()
	if !opts.Quiet {
		protoLogger = zap.NewStdLog(logger.With(zap.String("target", "modbus")))
	}
	conf := modbus.ClientConfiguration{
		URL:     opts.URL,
		Timeout: opts.Timeout,
		Logger:  protoLogger,
	}
	if method == METHOD_RTU {
		conf.Speed = opts.Speed
		conf.DataBits = 8
		conf.Parity = modbus.PARITY_NONE
		conf.StopBits = 1
	}
	// NewClient fills in defaults on its own copy
	client, err := modbus.NewClient(&conf)
	if err != nil {
		return nil, err
	}

	// instrumentation
	var inst []ModbusInstrument
	logInst := traceLoggerInstrumentation(logger.With(zap.String("url", opts.URL)))
	if logInst != nil {
		inst = append(inst, *logInst)
	}
	if instrumentation != nil {
		inst = append(inst, *instrumentation)
	}

	return &ModbusClient{
		client:     client,
		conf:       conf,
		method:     method,
		url:        opts.URL,
		instrument: inst,
		logger:     logger,
	}, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// MethodFromURL maps a transport URL onto the probe method it belongs to.
func MethodFromURL(url string) (string, error) {
	switch {
	case strings.HasPrefix(url, "rtu://"), strings.HasPrefix(url, "rtuovertcp://"), strings.HasPrefix(url, "rtuoverudp://"):
		return METHOD_RTU, nil
	case strings.HasPrefix(url, "tcp://"), strings.HasPrefix(url, "udp://"):
		return METHOD_TCP, nil
	}
	return "", fmt.Errorf("unsupported modbus url %q", url)
}

func (c *ModbusClient) Open() error {
	return c.client.Open()
}

func (c *ModbusClient) Close() error {
	return c.client.Close()
}

func (c *ModbusClient) Method() string {
	return c.method
}

func (c *ModbusClient) URL() string {
	return c.url
}

// The unit id is client wide state, so it is set under the same lock as the
// request it belongs to.
func (c *ModbusClient) ReadRegisters(ctx context.Context, unit uint8, addr uint16, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer RecordTimer("ReadRegisters", c.instrument)()
	if err := c.client.SetUnitId(unit); err != nil {
		return nil, err
	}
	return c.client.ReadRegisters(addr, quantity, modbus.HOLDING_REGISTER)
}

func (c *ModbusClient) WriteRegister(ctx context.Context, unit uint8, addr uint16, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	defer RecordTimer("WriteRegister", c.instrument)()
	if err := c.client.SetUnitId(unit); err != nil {
		return err
	}
	return c.client.WriteRegister(addr, value)
}

// Lend hands the connection to a quiet client with the given timeout. A
// serial line has a single owner, so the polling client is closed until
// release reopens it.
func (c *ModbusClient) Lend(timeout time.Duration) (Transport, func(), error) {
	conf := c.conf
	conf.Timeout = timeout
	conf.Logger = quietLogger()
	lent, err := modbus.NewClient(&conf)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	if err := c.client.Close(); err != nil {
		c.logger.Debug("modbus lend: close", zap.String("url", c.url), zap.Error(err))
	}
	if err := lent.Open(); err != nil {
		c.reopen()
		c.mu.Unlock()
		return nil, nil, err
	}

	view := &ModbusClient{
		client:     lent,
		conf:       conf,
		method:     c.method,
		url:        c.url,
		instrument: c.instrument,
		logger:     c.logger,
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			view.mu.Lock()
			lent.Close()
			view.mu.Unlock()
			c.reopen()
			c.mu.Unlock()
		})
	}
	return view, release, nil
}

// reopen is called with mu held. A failure shows up as errors on the next
// requests.
func (c *ModbusClient) reopen() {
	if err := c.client.Open(); err != nil {
		c.logger.Warn("modbus reopen", zap.String("url", c.url), zap.Error(err))
	}
}

func RecordTimer(name string, instrument []ModbusInstrument) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			instrument[i].RecordTime(name, duration)
		}
	}
}

func traceLoggerInstrumentation(logger *zap.Logger) *ModbusInstrument {
	if logger == nil || !logger.Core().Enabled(zap.DebugLevel) {
		return nil
	}
	return &ModbusInstrument{
		RecordTime: func(fnName string, readTime time.Duration) {
			logger.Debug("modbus timing", zap.String("fn", fnName), zap.Int64("millis", readTime.Milliseconds()))
		},
	}
}
