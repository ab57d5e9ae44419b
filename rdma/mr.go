package rdma

import (
	"context"
	"io"
	"math/rand"
	"sync"

	"github.com/Nugine/async-rdma/transport"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
)

var (
	ErrRemoteAccess = errors.New("remote access error")
	ErrInvalidMR    = errors.New("invalid memory region")
)

// maxOneSided bounds a single one-sided transfer.
const maxOneSided = 1 << 20

// MemoryRegion is a buffer the peer may read and write without involving
// the local application.
type MemoryRegion struct {
	key uint32

	mu  sync.RWMutex
	buf []byte

	table *regionTable
}

// RemoteMR is the token a peer needs to address a [MemoryRegion].
type RemoteMR struct {
	Key uint32 `cbor:"1,keyasint"`
	Len int    `cbor:"2,keyasint"`
}

func (mr *MemoryRegion) Remote() RemoteMR {
	return RemoteMR{Key: mr.key, Len: len(mr.buf)}
}

func (mr *MemoryRegion) Len() int { return len(mr.buf) }

// Bytes returns a copy of the current contents.
func (mr *MemoryRegion) Bytes() []byte {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return append([]byte(nil), mr.buf...)
}

// Store copies p into the region at offset.
func (mr *MemoryRegion) Store(offset int, p []byte) error {
	if err := checkBounds(offset, len(p), len(mr.buf)); err != nil {
		return err
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	copy(mr.buf[offset:], p)
	return nil
}

// Deregister revokes remote access to the region.
func (mr *MemoryRegion) Deregister() {
	mr.table.remove(mr.key)
}

func checkBounds(offset, length, size int) error {
	// offset+length may overflow; compare against what is left instead.
	if offset < 0 || length < 0 || offset > size || length > size-offset {
		return errors.Wrapf(ErrRemoteAccess, "%d bytes at offset %d out of region of %d bytes", length, offset, size)
	}
	return nil
}

type regionTable struct {
	mu      sync.RWMutex
	regions map[uint32]*MemoryRegion
	nextKey uint32
}

func newRegionTable() *regionTable {
	return &regionTable{
		regions: make(map[uint32]*MemoryRegion),
		nextKey: rand.Uint32(),
	}
}

func (t *regionTable) register(size int) *MemoryRegion {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextKey++
	mr := &MemoryRegion{key: t.nextKey, buf: make([]byte, size), table: t}
	t.regions[mr.key] = mr
	return mr
}

func (t *regionTable) lookup(key uint32) (*MemoryRegion, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mr, ok := t.regions[key]
	return mr, ok
}

func (t *regionTable) remove(key uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.regions, key)
}

// RegisterMR allocates a zeroed region of size bytes the peer can access.
func (r *Rdma) RegisterMR(size int) (*MemoryRegion, error) {
	if size <= 0 || size > maxOneSided {
		return nil, errors.Wrapf(ErrInvalidMR, "size %d", size)
	}
	return r.mrs.register(size), nil
}

// SendRemoteMR tells the peer how to address mr.
func (r *Rdma) SendRemoteMR(ctx context.Context, mr RemoteMR) error {
	b, err := cbor.Marshal(mr)
	if err != nil {
		return errors.Wrap(err, "encoding remote mr")
	}
	return r.Send(ctx, b)
}

// ReceiveRemoteMR waits for a token sent with [Rdma.SendRemoteMR].
func (r *Rdma) ReceiveRemoteMR(ctx context.Context) (RemoteMR, error) {
	b, err := r.Receive(ctx)
	if err != nil {
		return RemoteMR{}, err
	}

	var mr RemoteMR
	if err := cbor.Unmarshal(b, &mr); err != nil {
		return RemoteMR{}, errors.Wrap(err, "decoding remote mr")
	}
	return mr, nil
}

type oneSidedRequest struct {
	Key    uint32 `cbor:"1,keyasint"`
	Offset int    `cbor:"2,keyasint"`
	Length int    `cbor:"3,keyasint"`
}

type oneSidedResponse struct {
	Err string `cbor:"1,keyasint,omitempty"`
}

// Write copies local into the peer's region at offset.
func (r *Rdma) Write(ctx context.Context, local []byte, remote RemoteMR, offset int) error {
	if err := checkBounds(offset, len(local), remote.Len); err != nil {
		return err
	}

	return r.oneSided(ctx, kindWrite, func(s *yamux.Stream) error {
		req := oneSidedRequest{Key: remote.Key, Offset: offset, Length: len(local)}
		if err := writeControl(s, req); err != nil {
			return err
		}
		if _, err := s.Write(local); err != nil {
			return err
		}
		return readResponse(s)
	})
}

// Read copies len(dst) bytes from the peer's region at offset into dst.
func (r *Rdma) Read(ctx context.Context, dst []byte, remote RemoteMR, offset int) error {
	if err := checkBounds(offset, len(dst), remote.Len); err != nil {
		return err
	}

	return r.oneSided(ctx, kindRead, func(s *yamux.Stream) error {
		req := oneSidedRequest{Key: remote.Key, Offset: offset, Length: len(dst)}
		if err := writeControl(s, req); err != nil {
			return err
		}
		if err := readResponse(s); err != nil {
			return err
		}
		_, err := io.ReadFull(s, dst)
		return err
	})
}

func readResponse(s *yamux.Stream) error {
	var resp oneSidedResponse
	if err := readControl(s, &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.Wrap(ErrRemoteAccess, resp.Err)
	}
	return nil
}

func (r *Rdma) oneSided(ctx context.Context, kind byte, do func(s *yamux.Stream) error) error {
	if r.isClosed() {
		return transport.ErrConnClosed
	}

	s, err := r.session.OpenStream()
	if err != nil {
		return errors.Wrap(normalizeErr(ctx, err), "opening stream")
	}
	defer s.Close()

	release := bindDeadline(ctx, s.SetDeadline)
	defer release()

	if _, err := s.Write([]byte{kind}); err != nil {
		return normalizeErr(ctx, err)
	}
	if err := do(s); err != nil {
		if errors.Is(err, ErrRemoteAccess) {
			return err
		}
		return normalizeErr(ctx, err)
	}
	return nil
}

// serveOneSided answers the peer's one-sided operations until the session ends.
func (r *Rdma) serveOneSided() {
	for {
		s, err := r.session.AcceptStream()
		if err != nil {
			return
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer s.Close()
			if err := r.handleOneSided(s); err != nil && !r.isClosed() {
				r.logger.Warn("one-sided operation failed", "error", err)
			}
		}()
	}
}

func (r *Rdma) handleOneSided(s *yamux.Stream) error {
	var kind [1]byte
	if _, err := io.ReadFull(s, kind[:]); err != nil {
		return err
	}

	var req oneSidedRequest
	if err := readControl(s, &req); err != nil {
		return err
	}
	if req.Length < 0 || req.Length > maxOneSided {
		return writeControl(s, oneSidedResponse{Err: "invalid length"})
	}

	switch kind[0] {
	case kindWrite:
		payload := make([]byte, req.Length)
		if _, err := io.ReadFull(s, payload); err != nil {
			return err
		}

		mr, err := r.lookupForAccess(req)
		if err != nil {
			return writeControl(s, oneSidedResponse{Err: err.Error()})
		}
		if err := mr.Store(req.Offset, payload); err != nil {
			return writeControl(s, oneSidedResponse{Err: err.Error()})
		}
		return writeControl(s, oneSidedResponse{})

	case kindRead:
		mr, err := r.lookupForAccess(req)
		if err != nil {
			return writeControl(s, oneSidedResponse{Err: err.Error()})
		}

		mr.mu.RLock()
		data := append([]byte(nil), mr.buf[req.Offset:req.Offset+req.Length]...)
		mr.mu.RUnlock()

		if err := writeControl(s, oneSidedResponse{}); err != nil {
			return err
		}
		_, err = s.Write(data)
		return err

	default:
		return errors.Wrapf(ErrHandshake, "unexpected stream kind %d", kind[0])
	}
}

func (r *Rdma) lookupForAccess(req oneSidedRequest) (*MemoryRegion, error) {
	mr, ok := r.mrs.lookup(req.Key)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidMR, "rkey %#x", req.Key)
	}
	if err := checkBounds(req.Offset, req.Length, mr.Len()); err != nil {
		return nil, err
	}
	return mr, nil
}
