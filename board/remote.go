package board

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rebqual/rebqual/comm"
)

// DefaultCommandRate is the number of commands per second sent to a bridge
// that does not configure one
const DefaultCommandRate = 50.

/*
Remote is a readout board reached through its command bridge.

The bridge speaks one line per command:

	change <control> <value>    -> any line, or a line starting with ERR
	<load command>              -> any line, or a line starting with ERR
	readChannelValue <channel>  -> the value as a decimal number

Controls with a DAC conversion are sent as integer DAC codes and followed by
the conversion's load command; every other control is sent in volts.
*/
type Remote struct {
	comm.RemoteDevice

	// DACs maps control names to their volts-to-code conversion
	DACs map[string]DACConversion

	mu      sync.Mutex
	limiter *rate.Limiter
	last    map[string]float64
}

// NewRemote returns a Remote that will connect to addr on first use.
// perSecond bounds the command rate; zero uses DefaultCommandRate.
func NewRemote(addr string, serial bool, perSecond float64, dacs map[string]DACConversion) *Remote {
	if perSecond <= 0 {
		perSecond = DefaultCommandRate
	}
	if dacs == nil {
		dacs = map[string]DACConversion{}
	}
	return &Remote{
		RemoteDevice: comm.NewRemoteDevice(addr, serial),
		DACs:         dacs,
		limiter:      rate.NewLimiter(rate.Limit(perSecond), 1),
		last:         map[string]float64{},
	}
}

// exchange sends one command and returns the reply.  The caller must hold mu.
// A failed exchange drops the connection so the next one reconnects.
func (r *Remote) exchange(cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.waitTimeout())
	defer cancel()
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if r.Conn == nil {
		if err := r.Open(); err != nil {
			return "", err
		}
	}
	resp, err := r.SendRecv([]byte(cmd))
	if err != nil {
		r.RemoteDevice.Close()
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	reply := strings.TrimSpace(string(resp))
	if strings.HasPrefix(reply, "ERR") {
		return reply, fmt.Errorf("%s: %w: %s", cmd, ErrRejected, reply)
	}
	return reply, nil
}

func (r *Remote) waitTimeout() time.Duration {
	if r.Timeout <= 0 {
		return comm.DefaultTimeout
	}
	return r.Timeout
}

// SetValue commands a control to a voltage
func (r *Remote) SetValue(control string, v float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, isDAC := r.DACs[control]
	arg := strconv.FormatFloat(v, 'f', -1, 64)
	if isDAC {
		code := conv.Code(v, r.last[conv.ShiftControl])
		arg = strconv.Itoa(int(code))
	}
	if _, err := r.exchange("change " + control + " " + arg); err != nil {
		return err
	}
	if isDAC && conv.Load != "" {
		if _, err := r.exchange(conv.Load); err != nil {
			return err
		}
	}
	r.last[control] = v
	return nil
}

// ReadValue reads one telemetry channel
func (r *Remote) ReadValue(channel string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply, err := r.exchange("readChannelValue " + channel)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, fmt.Errorf("readChannelValue %s: malformed reply %q: %w", channel, reply, err)
	}
	return f, nil
}

// Commanded returns the last voltage successfully written to a control
func (r *Remote) Commanded(control string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.last[control]
	return v, ok
}

// Close drops the connection to the bridge
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.RemoteDevice.Close()
}
