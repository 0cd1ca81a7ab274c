package block

import (
	"context"
	stderrors "errors"
	"io/fs"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/util"
)

const (
	epFetch = "block/fetch"
	epPut   = "block/put"
	epNeed  = "block/need"
)

const (
	fieldHash       = 1
	fieldCodec      = 2
	fieldRawSize    = 3
	fieldData       = 4
	fieldNeedAnswer = 1
)

func encodePut(h util.Hash, hdr Header, stored []byte) []byte {
	return rpc.NewEncoder(len(stored)+64).
		Bytes(fieldHash, h[:]).
		Uint64(fieldCodec, uint64(hdr.Codec)).
		Uint64(fieldRawSize, hdr.RawSize).
		Bytes(fieldData, stored).
		Encode()
}

// decodePut also serves fetch responses, which carry the same fields.
func decodePut(msg []byte) (util.Hash, Header, []byte, error) {
	var (
		h      util.Hash
		hdr    Header
		stored []byte
		err    error
	)
	err = rpc.Decode(msg, func(f rpc.Field) error {
		switch f.Num {
		case fieldHash:
			h, err = util.HashFromBytes(f.Bytes)
			return err
		case fieldCodec:
			hdr.Codec = Codec(f.Varint)
		case fieldRawSize:
			hdr.RawSize = f.Varint
		case fieldData:
			stored = append([]byte(nil), f.Bytes...)
		}
		return nil
	})
	hdr.StoredSize = uint64(len(stored))
	return h, hdr, stored, err
}

func decodeBlock(msg []byte) (Header, []byte, error) {
	_, hdr, stored, err := decodePut(msg)
	return hdr, stored, err
}

func decodeHash(msg []byte) (util.Hash, error) {
	var (
		h   util.Hash
		err error
		got bool
	)
	err = rpc.Decode(msg, func(f rpc.Field) error {
		if f.Num == fieldHash {
			got = true
			h, err = util.HashFromBytes(f.Bytes)
			return err
		}
		return nil
	})
	if err == nil && !got {
		err = storageerrors.InvalidArgument("missing block hash", nil)
	}
	return h, err
}

func (m *Manager) registerEndpoints() {
	m.system.Register(epFetch, m.handleFetch)
	m.system.Register(epPut, m.handlePut)
	m.system.Register(epNeed, m.handleNeed)
}

func (m *Manager) handleFetch(ctx context.Context, from string, req []byte) ([]byte, error) {
	h, err := decodeHash(req)
	if err != nil {
		return nil, err
	}
	_, stored, hdr, err := m.readLocal(h)
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return nil, storageerrors.BlockNotFound(h.String())
	case stderrors.Is(err, errCorrupt):
		return nil, storageerrors.BlockCorrupt(h.String(), err)
	case err != nil:
		return nil, storageerrors.LocalStorage("failed to read block", err)
	}
	m.metrics.RecordBlockBytes("serve", len(stored))
	return encodePut(h, hdr, stored), nil
}

// handlePut accepts a block only after checking it against its hash.
func (m *Manager) handlePut(ctx context.Context, from string, req []byte) ([]byte, error) {
	h, hdr, stored, err := decodePut(req)
	if err != nil {
		return nil, err
	}
	if m.store.exists(h) {
		m.metrics.RecordBlockDedup()
		return nil, m.markDeletable(h, m.now().Add(m.cfg.GCGrace))
	}
	raw, err := m.comp.decompress(hdr.Codec, stored)
	if err != nil || util.Blake2Sum(raw) != h {
		m.metrics.RecordBlockCorruption()
		return nil, storageerrors.BlockCorrupt(h.String(), err)
	}
	if err := m.validator.ValidateBlock(raw); err != nil {
		return nil, err
	}
	return nil, m.writeLocal(h, hdr, stored)
}

func (m *Manager) handleNeed(ctx context.Context, from string, req []byte) ([]byte, error) {
	h, err := decodeHash(req)
	if err != nil {
		return nil, err
	}
	need, err := m.Need(h)
	if err != nil {
		return nil, err
	}
	return rpc.NewEncoder(4).Bool(fieldNeedAnswer, need).Encode(), nil
}

func decodeNeed(msg []byte) (bool, error) {
	var need bool
	err := rpc.Decode(msg, func(f rpc.Field) error {
		if f.Num == fieldNeedAnswer {
			need = f.Bool()
		}
		return nil
	})
	return need, err
}
