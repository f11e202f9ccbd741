package core

import (
	"net"
	"net/netip"

	"github.com/peersend/overlay/state"
	"github.com/peersend/overlay/wire"
)

// Discovery announces this node on the local network over UDP multicast
// and feeds announcements from trusted peers into the registry as
// connection candidates. LAN peers find each other without any
// configured endpoint this way; everything else still goes through the
// connector, announcements never establish anything by themselves.
type Discovery struct {
	group *net.UDPAddr
	recv  *net.UDPConn
	send  *net.UDPConn
}

func (d *Discovery) Init(s *state.State) error {
	if s.LocalCfg.NoDiscovery {
		s.Log.Debug("multicast discovery disabled")
		return nil
	}
	d.group = &net.UDPAddr{
		IP:   net.ParseIP(state.MulticastGroup),
		Port: int(state.MulticastPort),
	}

	recv, err := net.ListenMulticastUDP("udp4", nil, d.group)
	if err != nil {
		// discovery is best effort, the node is still reachable
		// through configured endpoints
		s.Log.Warn("multicast listen failed, discovery disabled", "err", err)
		return nil
	}
	d.recv = recv

	send, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		recv.Close()
		s.Log.Warn("multicast send socket failed, discovery disabled", "err", err)
		return nil
	}
	d.send = send

	go d.listen(s.Env)
	s.Env.RepeatTask(d.announce, state.AnnounceDelay)
	s.Log.Info("multicast discovery started", "group", d.group.String())
	return nil
}

func (d *Discovery) Cleanup(s *state.State) error {
	if d.recv != nil {
		d.recv.Close()
	}
	if d.send != nil {
		d.send.Close()
	}
	return nil
}

func (d *Discovery) announce(s *state.State) error {
	frame, err := wire.Encode(&wire.Announce{
		Name: s.LocalCfg.Name,
		Id:   s.Id(),
		Port: s.LocalCfg.ListenPort(),
	})
	if err != nil {
		return err
	}
	if _, err := d.send.WriteToUDP(frame, d.group); err != nil {
		s.Log.Debug("multicast announce failed", "err", err)
	}
	return nil
}

func (d *Discovery) listen(e *state.Env) {
	buf := make([]byte, 1500)
	for {
		n, src, err := d.recv.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		msg, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		ann, ok := msg.(*wire.Announce)
		if !ok || ann.Id == e.Id() {
			continue
		}
		if _, trusted := e.Trusted[ann.Id]; !trusted {
			continue
		}
		ap := netip.AddrPortFrom(src.Addr().Unmap(), ann.Port)
		e.Dispatch(func(s *state.State) error {
			d.handleAnnounce(s, ann, ap)
			return nil
		})
	}
}

func (d *Discovery) handleAnnounce(s *state.State, ann *wire.Announce, ap netip.AddrPort) {
	reg := Get[*Registry](s)
	added := false
	for _, kind := range []state.TransportKind{state.KindUdp, state.KindTcp} {
		if reg.UpsertCandidate(s, ann.Id, state.Endpoint{Kind: kind, Ap: ap}) {
			added = true
		}
	}
	if added {
		s.Log.Debug("discovered peer on local network", "peer", s.DisplayName(ann.Id), "addr", ap)
		Get[*Connector](s).Request(s, ann.Id)
	}
}
