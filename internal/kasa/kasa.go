// Package kasa talks to TP-Link Kasa smart plugs over their local protocol:
// JSON requests obfuscated with an autokey XOR cipher, sent as UDP broadcasts
// for discovery and as length-prefixed TCP messages for commands.
package kasa

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/internal/actuator"
)

const (
	Port         = 9999
	initialKey   = 171
	maxReplySize = 64 << 10
)

var ErrDeviceError = errors.New("kasa device returned an error")

var (
	getSysinfo = []byte(`{"system":{"get_sysinfo":{}}}`)
	relayOn    = []byte(`{"system":{"set_relay_state":{"state":1}}}`)
	relayOff   = []byte(`{"system":{"set_relay_state":{"state":0}}}`)
)

func Encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := byte(initialKey)
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

func Decrypt(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := byte(initialKey)
	for i, c := range cipher {
		out[i] = key ^ c
		key = c
	}
	return out
}

type sysinfo struct {
	Alias      string `json:"alias"`
	DeviceID   string `json:"deviceId"`
	Model      string `json:"model"`
	RelayState int    `json:"relay_state"`
}

type sysinfoReply struct {
	System struct {
		GetSysinfo *struct {
			sysinfo
			ErrCode int    `json:"err_code"`
			ErrMsg  string `json:"err_msg"`
		} `json:"get_sysinfo"`
		SetRelayState *struct {
			ErrCode int    `json:"err_code"`
			ErrMsg  string `json:"err_msg"`
		} `json:"set_relay_state"`
	} `json:"system"`
}

// Plug is a single Kasa outlet addressed by host:port.
type Plug struct {
	addr string

	mu   sync.Mutex
	info sysinfo
}

var _ actuator.Device = (*Plug)(nil)

func NewPlug(addr string) *Plug {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(Port))
	}
	return &Plug{addr: addr}
}

func (p *Plug) Addr() string { return p.addr }

func (p *Plug) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.Alias
}

func (p *Plug) IsOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.RelayState == 1
}

func (p *Plug) Refresh(ctx context.Context) error {
	raw, err := p.roundTrip(ctx, getSysinfo)
	if err != nil {
		return err
	}
	var reply sysinfoReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("failed to decode sysinfo from %s: %w", p.addr, err)
	}
	got := reply.System.GetSysinfo
	if got == nil {
		return fmt.Errorf("%w: %s sent no sysinfo", ErrDeviceError, p.addr)
	}
	if got.ErrCode != 0 {
		return fmt.Errorf("%w: %s: %d %s", ErrDeviceError, p.addr, got.ErrCode, got.ErrMsg)
	}

	p.mu.Lock()
	p.info = got.sysinfo
	p.mu.Unlock()
	return nil
}

func (p *Plug) TurnOn(ctx context.Context) error {
	return p.setRelay(ctx, true)
}

func (p *Plug) TurnOff(ctx context.Context) error {
	return p.setRelay(ctx, false)
}

func (p *Plug) setRelay(ctx context.Context, on bool) error {
	req := relayOff
	if on {
		req = relayOn
	}
	raw, err := p.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	var reply sysinfoReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("failed to decode relay reply from %s: %w", p.addr, err)
	}
	if got := reply.System.SetRelayState; got == nil || got.ErrCode != 0 {
		msg := "missing set_relay_state"
		if got != nil {
			msg = fmt.Sprintf("%d %s", got.ErrCode, got.ErrMsg)
		}
		return fmt.Errorf("%w: %s: %s", ErrDeviceError, p.addr, msg)
	}

	p.mu.Lock()
	if on {
		p.info.RelayState = 1
	} else {
		p.info.RelayState = 0
	}
	p.mu.Unlock()
	return nil
}

func (p *Plug) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", p.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// unblock reads if ctx is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.Write(frame(req)); err != nil {
		return nil, fmt.Errorf("failed to write to %s: %w", p.addr, err)
	}

	var size [4]byte
	if _, err := io.ReadFull(conn, size[:]); err != nil {
		return nil, fmt.Errorf("failed to read reply length from %s: %w", p.addr, err)
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxReplySize {
		return nil, fmt.Errorf("reply from %s too large: %d bytes", p.addr, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("failed to read reply from %s: %w", p.addr, err)
	}
	return Decrypt(body), nil
}

func frame(req []byte) []byte {
	out := make([]byte, 4+len(req))
	binary.BigEndian.PutUint32(out, uint32(len(req)))
	copy(out[4:], Encrypt(req))
	return out
}

// Discoverer finds plugs by broadcasting get_sysinfo and collecting replies
// until its timeout or the context ends.
type Discoverer struct {
	BroadcastAddr string
	Timeout       time.Duration
	// PlugPort overrides the TCP port used for discovered plugs.
	PlugPort int
}

var _ actuator.Scanner = (*Discoverer)(nil)

func (d *Discoverer) Scan(ctx context.Context) ([]actuator.Device, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4", d.BroadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("bad broadcast address %q: %w", d.BroadcastAddr, err)
	}

	deadline := time.Now().Add(d.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.WriteTo(Encrypt(getSysinfo), dst); err != nil {
		return nil, fmt.Errorf("failed to send discovery broadcast: %w", err)
	}

	port := d.PlugPort
	if port == 0 {
		port = Port
	}

	seen := map[string]bool{}
	var devices []actuator.Device
	buf := make([]byte, maxReplySize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return devices, fmt.Errorf("discovery read failed: %w", err)
		}

		host, _, err := net.SplitHostPort(from.String())
		if err != nil || seen[host] {
			continue
		}

		var reply sysinfoReply
		if err := json.Unmarshal(Decrypt(buf[:n]), &reply); err != nil || reply.System.GetSysinfo == nil {
			log.Debug().Str("from", from.String()).Msg("Ignoring non-kasa discovery reply")
			continue
		}
		seen[host] = true

		plug := NewPlug(net.JoinHostPort(host, strconv.Itoa(port)))
		plug.info = reply.System.GetSysinfo.sysinfo
		devices = append(devices, plug)
		log.Debug().Str("alias", plug.info.Alias).Str("addr", plug.addr).Msg("Kasa plug answered discovery")
	}
	return devices, nil
}
