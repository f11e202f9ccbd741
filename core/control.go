package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strings"

	"github.com/peersend/overlay/state"
)

// Control exposes a line-oriented query surface over a unix socket.
// One command per connection; the response is terminated by a NUL byte
// so clients know where it ends without closing the stream. Queries
// serve from the published snapshots and never wait on the main loop;
// only reconnect dispatches.
type Control struct {
	ln        net.Listener
	connector *Connector
}

func (c *Control) Init(s *state.State) error {
	c.connector = Get[*Connector](s)
	path := s.LocalCfg.Control()
	// a previous run may have left the socket behind
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	c.ln = ln
	go c.acceptLoop(s.Env)
	s.Log.Info("control socket listening", "path", path)
	return nil
}

func (c *Control) Cleanup(s *state.State) error {
	if c.ln != nil {
		c.ln.Close()
	}
	return nil
}

func (c *Control) acceptLoop(e *state.Env) {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if err := c.serve(e, conn); err != nil {
				e.Log.Debug("control session failed", "err", err)
			}
		}()
	}
}

func (c *Control) serve(e *state.Env, conn net.Conn) error {
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	line, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errors.New("empty command")
	}

	var out string
	switch fields[0] {
	case "peers":
		out = renderPeers(e)
	case "connectors":
		out = renderConnectors(e, c.connector)
	case "routes":
		out = renderRoutes(e)
	case "stats":
		out = renderStats(e)
	case "reconnect":
		if len(fields) != 2 {
			return errors.New("usage: reconnect <peer>")
		}
		out, err = c.reconnect(e, fields[1])
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}

	if _, err := rw.WriteString(out); err != nil {
		return err
	}
	if err := rw.WriteByte(0); err != nil {
		return err
	}
	return rw.Flush()
}

func (c *Control) reconnect(e *state.Env, name string) (string, error) {
	id := resolvePeer(e, name)
	if id == "" {
		return "", fmt.Errorf("unknown peer %q", name)
	}
	res, err := e.DispatchWait(func(s *state.State) (any, error) {
		if rec := s.GetPeer(id); rec != nil && rec.Tunnel != nil {
			rec.Tunnel.Close()
		}
		if a := Get[*Connector](s).Request(s, id); a != nil {
			return fmt.Sprintf("reconnecting %s, attempt %s\n", s.DisplayName(id), a.Id), nil
		}
		return fmt.Sprintf("reconnect queued for %s\n", s.DisplayName(id)), nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// resolvePeer accepts either a configured name or a raw identity.
func resolvePeer(e *state.Env, name string) state.PeerId {
	for id, n := range e.Names {
		if n == name {
			return id
		}
	}
	if _, ok := e.Trusted[state.PeerId(name)]; ok {
		return state.PeerId(name)
	}
	return ""
}

func snapshotIds(reg *state.RegistrySnapshot) []state.PeerId {
	ids := make([]state.PeerId, 0, len(reg.Peers))
	for id := range reg.Peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func renderPeers(e *state.Env) string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("Self: %s (%s)\n", e.LocalCfg.Name, e.Id()))
	sb.WriteString("Peers:\n")
	reg := e.Registry()
	for _, id := range snapshotIds(reg) {
		v := reg.Peers[id]
		sb.WriteString(fmt.Sprintf(" - %s\n", e.DisplayName(id)))
		if v.Tunnel != nil {
			sb.WriteString(fmt.Sprintf("   Tunnel: %s %s -> %s\n", v.Kind, v.Tunnel.State(), v.Tunnel.RemoteAddr()))
			sb.WriteString(fmt.Sprintf("   Cost: %d\n", v.Cost))
			sb.WriteString(fmt.Sprintf("   Rtt: %s\n", v.Rtt))
		} else {
			sb.WriteString(fmt.Sprintf("   Liveness: %s\n", v.Liveness))
		}
		for _, ep := range v.Endpoints {
			sb.WriteString(fmt.Sprintf("   Endpoint: %s %s\n", ep.Kind, ep.Ap))
		}
	}
	return sb.String()
}

func renderConnectors(e *state.Env, c *Connector) string {
	sb := strings.Builder{}
	sb.WriteString("Attempts:\n")
	attempts := c.Status()
	if len(attempts) == 0 {
		sb.WriteString(" (none)\n")
	}
	now := e.Clock.Now()
	for _, a := range attempts {
		sb.WriteString(fmt.Sprintf(" - %s strategy=%s elapsed=%.1fs\n",
			e.DisplayName(a.Peer), a.Strategy, now.Sub(a.Started).Seconds()))
	}
	return sb.String()
}

func renderRoutes(e *state.Env) string {
	sb := strings.Builder{}
	table := e.Table()
	sb.WriteString(fmt.Sprintf("Forwarding (generation %d):\n", table.Generation))
	dests := table.Dests()
	if len(dests) == 0 {
		sb.WriteString(" (none)\n")
	}
	for _, dest := range dests {
		entry := table.Entries[dest]
		sb.WriteString(fmt.Sprintf(" - %s via %s cost %d\n",
			e.DisplayName(dest), e.DisplayName(entry.NextHop), entry.Cost))
	}
	sb.WriteString("\nAdvertisements:\n")
	for _, ad := range table.Adverts {
		sb.WriteString(fmt.Sprintf(" - %s seqno=%d neighbours=%d\n",
			e.DisplayName(ad.Origin), ad.Seqno, ad.Neighbours))
	}
	return sb.String()
}

func renderStats(e *state.Env) string {
	sb := strings.Builder{}
	sb.WriteString("Tunnels:\n")
	seen := false
	reg := e.Registry()
	for _, id := range snapshotIds(reg) {
		v := reg.Peers[id]
		if v.Tunnel == nil {
			continue
		}
		seen = true
		st := v.Tunnel.Stats()
		sb.WriteString(fmt.Sprintf(" - %s %s tx=%d/%dB rx=%d/%dB\n",
			e.DisplayName(id), v.Kind,
			st.FramesSent, st.BytesSent, st.FramesRecv, st.BytesRecv))
	}
	if !seen {
		sb.WriteString(" (none)\n")
	}
	return sb.String()
}

// ControlQuery is the client side, used by the command line tools.
func ControlQuery(path, cmd string) (string, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if _, err := rw.WriteString(cmd + "\n"); err != nil {
		return "", err
	}
	if err := rw.Flush(); err != nil {
		return "", err
	}
	res, err := rw.ReadString(0)
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSuffix(res, "\x00"), nil
}
