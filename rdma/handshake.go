package rdma

import (
	"context"
	"fmt"
	"math/rand"
	"net"

	"github.com/Nugine/async-rdma/lib/types"
	"github.com/Nugine/async-rdma/transport"

	"github.com/pkg/errors"
)

var ErrHandshake = errors.New("queue pair handshake failed")

// endpointInfo is what each side publishes so the peer can move its queue
// pair to ready-to-receive: the numbers a verbs based stack would exchange.
type endpointInfo struct {
	QPN       types.Uint24 `cbor:"1,keyasint"`
	LID       uint16       `cbor:"2,keyasint"`
	GID       [16]byte     `cbor:"3,keyasint"`
	PSN       types.Uint24 `cbor:"4,keyasint"`
	PortNum   uint8        `cbor:"5,keyasint"`
	GIDIndex  int          `cbor:"6,keyasint"`
	MaxMsgLen int          `cbor:"7,keyasint"`
}

type handshakeReply struct {
	Info endpointInfo `cbor:"1,keyasint"`
	Err  string       `cbor:"2,keyasint,omitempty"`
}

func newEndpointInfo(cfg transport.RoleConfig, local transport.Addr) endpointInfo {
	info := endpointInfo{
		QPN:       types.NewUint24(rand.Uint32()),
		LID:       uint16(cfg.PortNum),
		PSN:       types.NewUint24(rand.Uint32()),
		PortNum:   cfg.PortNum,
		GIDIndex:  cfg.GIDIndex,
		MaxMsgLen: cfg.MaxMsgLen,
	}
	// RoCE derives the GID from the interface address, IPv4 mapped.
	copy(info.GID[:], net.IP(local.IP.Raw()).To16())
	return info
}

func (i endpointInfo) String() string {
	return fmt.Sprintf("qpn=%#06x psn=%#06x lid=%d gid=%s", i.QPN.Uint32(), i.PSN.Uint32(), i.LID, net.IP(i.GID[:]))
}

func checkCompatible(local, remote endpointInfo) error {
	if local.MaxMsgLen != remote.MaxMsgLen {
		return errors.Wrapf(transport.ErrConfigMismatch,
			"max message length %d != %d", local.MaxMsgLen, remote.MaxMsgLen)
	}
	return nil
}

// initiate runs the connecting side: publish, then wait for the verdict.
func initiate(ctx context.Context, conn net.Conn, local endpointInfo) (endpointInfo, error) {
	release := bindDeadline(ctx, conn.SetDeadline)
	defer release()

	if err := writeControl(conn, local); err != nil {
		return endpointInfo{}, errors.Wrap(normalizeErr(ctx, err), "sending endpoint info")
	}

	var reply handshakeReply
	if err := readControl(conn, &reply); err != nil {
		return endpointInfo{}, errors.Wrap(normalizeErr(ctx, err), "receiving endpoint info")
	}
	if reply.Err != "" {
		return endpointInfo{}, errors.Wrapf(transport.ErrConfigMismatch, "rejected by peer: %s", reply.Err)
	}

	if err := checkCompatible(local, reply.Info); err != nil {
		return endpointInfo{}, err
	}
	return reply.Info, nil
}

// respond runs the accepting side. A mismatch is reported to the initiator
// before the connection is dropped.
func respond(ctx context.Context, conn net.Conn, local endpointInfo) (endpointInfo, error) {
	release := bindDeadline(ctx, conn.SetDeadline)
	defer release()

	var remote endpointInfo
	if err := readControl(conn, &remote); err != nil {
		return endpointInfo{}, errors.Wrap(normalizeErr(ctx, err), "receiving endpoint info")
	}

	reply := handshakeReply{Info: local}
	verdict := checkCompatible(local, remote)
	if verdict != nil {
		reply.Err = verdict.Error()
	}

	if err := writeControl(conn, reply); err != nil {
		return endpointInfo{}, errors.Wrap(normalizeErr(ctx, err), "sending endpoint info")
	}
	if verdict != nil {
		return endpointInfo{}, verdict
	}
	return remote, nil
}
