package pcsc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gregLibert/nfc-pcsc/pkg/iso7816"
	"golang.org/x/sync/errgroup"
)

// Defaults for memory card transfers: MIFARE Ultralight pages are 4 bytes
// and READ BINARY returns 16 bytes at a time.
const (
	DefaultBlockSize  = 4
	DefaultPacketSize = 16
)

// TransferOption configures Read and Write.
type TransferOption func(*transferConfig)

type transferConfig struct {
	blockSize  int
	packetSize int
	readClass  iso7816.Class
}

func newTransferConfig(opts []TransferOption) transferConfig {
	cfg := transferConfig{
		blockSize:  DefaultBlockSize,
		packetSize: DefaultPacketSize,
		readClass:  iso7816.ClassReader,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithBlockSize sets the size of one card block (16 for MIFARE Classic).
func WithBlockSize(n int) TransferOption {
	return func(c *transferConfig) { c.blockSize = n }
}

// WithPacketSize sets how many bytes one READ BINARY returns.
func WithPacketSize(n int) TransferOption {
	return func(c *transferConfig) { c.packetSize = n }
}

// WithReadClass sets the CLA byte of READ BINARY.
func WithReadClass(cla iso7816.Class) TransferOption {
	return func(c *transferConfig) { c.readClass = cla }
}

// Read reads length bytes starting at block.
//
// Requests longer than one packet are split into packet-sized READ BINARY
// commands at consecutive addresses. The chunks are issued concurrently and
// reassembled in address order; any failing chunk fails the whole read.
func (r *Reader) Read(ctx context.Context, block, length int, opts ...TransferOption) ([]byte, error) {
	cfg := newTransferConfig(opts)

	switch {
	case length <= 0:
		return nil, newError(KindRead, CodeInvalidDataLength, fmt.Sprintf("invalid read length %d", length), nil)
	case cfg.blockSize <= 0 || cfg.packetSize <= 0 || cfg.packetSize > iso7816.MaxShortLe:
		return nil, newError(KindRead, CodeInvalidDataLength,
			fmt.Sprintf("invalid block size %d or packet size %d", cfg.blockSize, cfg.packetSize), nil)
	case cfg.packetSize%cfg.blockSize != 0:
		return nil, newError(KindRead, CodeInvalidDataLength,
			fmt.Sprintf("packet size %d is not a multiple of block size %d", cfg.packetSize, cfg.blockSize), nil)
	}

	chunks := (length + cfg.packetSize - 1) / cfg.packetSize
	stride := cfg.packetSize / cfg.blockSize
	if last := block + (chunks-1)*stride; block < 0 || last > 0xFFFF {
		return nil, newError(KindRead, CodeInvalidBlock, fmt.Sprintf("block %d out of range", block), nil)
	}

	conn, err := r.cardConn(ctx, KindRead)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.bind(ctx)
	defer cancel()

	if chunks == 1 {
		return r.readChunk(ctx, conn, cfg.readClass, block, length)
	}

	parts := make([][]byte, chunks)
	g, gctx := errgroup.WithContext(ctx)
	for i := range chunks {
		size := cfg.packetSize
		if rest := length - i*cfg.packetSize; rest < size {
			size = rest
		}
		addr := block + i*stride
		g.Go(func() error {
			data, err := r.readChunk(gctx, conn, cfg.readClass, addr, size)
			parts[i] = data
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data := bytes.Join(parts, nil)
	if len(data) > length {
		data = data[:length]
	}
	return data, nil
}

func (r *Reader) readChunk(ctx context.Context, conn Conn, cla iso7816.Class, block, length int) ([]byte, error) {
	cmd, err := iso7816.ReadBinary(cla, uint16(block), length)
	if err != nil {
		return nil, newError(KindRead, CodeInvalidDataLength, "", err)
	}
	raw, err := r.exchange(ctx, conn, cmd, cmd.ResponseLength())
	if err != nil {
		return nil, ioError(KindRead, "an error occurred while reading", err)
	}
	return checkResponse(KindRead, "read", raw)
}

// Write writes data starting at block. len(data) must be a positive
// multiple of the block size; each block is written by its own UPDATE
// BINARY, concurrently, and every one of them must succeed.
func (r *Reader) Write(ctx context.Context, block int, data []byte, opts ...TransferOption) error {
	cfg := newTransferConfig(opts)

	if cfg.blockSize <= 0 || cfg.blockSize > iso7816.MaxShortLc {
		return newError(KindWrite, CodeInvalidDataLength, fmt.Sprintf("invalid block size %d", cfg.blockSize), nil)
	}
	if len(data) < cfg.blockSize || len(data)%cfg.blockSize != 0 {
		return newError(KindWrite, CodeInvalidDataLength,
			"invalid data length, only entire data blocks can be updated", nil)
	}

	blocks := len(data) / cfg.blockSize
	if last := block + blocks - 1; block < 0 || last > 0xFF {
		return newError(KindWrite, CodeInvalidBlock, fmt.Sprintf("block %d out of range", block), nil)
	}

	conn, err := r.cardConn(ctx, KindWrite)
	if err != nil {
		return err
	}
	ctx, cancel := r.bind(ctx)
	defer cancel()

	if blocks == 1 {
		return r.writeBlock(ctx, conn, block, data)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range blocks {
		part := data[i*cfg.blockSize : (i+1)*cfg.blockSize]
		addr := block + i
		g.Go(func() error {
			return r.writeBlock(gctx, conn, addr, part)
		})
	}
	return g.Wait()
}

func (r *Reader) writeBlock(ctx context.Context, conn Conn, block int, data []byte) error {
	cmd, err := iso7816.UpdateBinary(byte(block), data)
	if err != nil {
		return newError(KindWrite, CodeInvalidDataLength, "", err)
	}
	raw, err := r.exchange(ctx, conn, cmd, 2)
	if err != nil {
		return ioError(KindWrite, "an error occurred while writing", err)
	}
	_, err = checkResponse(KindWrite, "write", raw)
	return err
}
