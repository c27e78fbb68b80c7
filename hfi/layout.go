package hfi

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/opd-ai/vidcore/limits"
)

// QueueType is the type tag stored in a queue header.
type QueueType uint32

const (
	// QueueTypeCommand carries host to firmware commands.
	QueueTypeCommand QueueType = 0x1
	// QueueTypeMessage carries firmware to host responses.
	QueueTypeMessage QueueType = 0x2
	// QueueTypeDebug carries firmware log lines.
	QueueTypeDebug QueueType = 0x4
)

// String returns the queue name used in logs.
func (t QueueType) String() string {
	switch t {
	case QueueTypeCommand:
		return "command"
	case QueueTypeMessage:
		return "message"
	case QueueTypeDebug:
		return "debug"
	default:
		return fmt.Sprintf("queue(%#x)", uint32(t))
	}
}

// Queue header field word offsets.
const (
	hdrStatus = iota
	hdrType
	hdrQSize
	hdrPktSize
	hdrRxWatermark
	hdrTxWatermark
	hdrRxReq
	hdrTxReq
	hdrRxIrqStatus
	hdrTxIrqStatus
	hdrReadIdx
	hdrWriteIdx
	hdrStartAddr
)

// Queue table header word offsets.
const (
	tblVersion = iota
	tblSize
	tblQHdr0Offset
	tblQHdrSize
	tblNumQ
	tblNumActiveQ
)

// header is a view over one 13-word queue header in shared memory.
// Every access is a 32-bit atomic load or store, which orders it against
// the payload copies that precede or follow it.
type header struct {
	mem []byte
	off int
}

func wordPtr(mem []byte, off int) *uint32 {
	b := mem[off : off+limits.WordSize]
	return (*uint32)(unsafe.Pointer(&b[0]))
}

func (h header) load(field int) uint32 {
	return atomic.LoadUint32(wordPtr(h.mem, h.off+field*limits.WordSize))
}

func (h header) store(field int, v uint32) {
	atomic.StoreUint32(wordPtr(h.mem, h.off+field*limits.WordSize), v)
}

// HeaderState is a snapshot of a queue header for diagnostics.
type HeaderState struct {
	Status       uint32 `cbor:"status"`
	Type         uint32 `cbor:"type"`
	QSize        uint32 `cbor:"q_size"`
	PacketSize   uint32 `cbor:"pkt_size"`
	RxWatermark  uint32 `cbor:"rx_wm"`
	TxWatermark  uint32 `cbor:"tx_wm"`
	RxReq        uint32 `cbor:"rx_req"`
	TxReq        uint32 `cbor:"tx_req"`
	RxIrqStatus  uint32 `cbor:"rx_irq_status"`
	TxIrqStatus  uint32 `cbor:"tx_irq_status"`
	ReadIdx      uint32 `cbor:"read_idx"`
	WriteIdx     uint32 `cbor:"write_idx"`
	StartAddress uint32 `cbor:"start_addr"`
}

func (h header) snapshot() HeaderState {
	return HeaderState{
		Status:       h.load(hdrStatus),
		Type:         h.load(hdrType),
		QSize:        h.load(hdrQSize),
		PacketSize:   h.load(hdrPktSize),
		RxWatermark:  h.load(hdrRxWatermark),
		TxWatermark:  h.load(hdrTxWatermark),
		RxReq:        h.load(hdrRxReq),
		TxReq:        h.load(hdrTxReq),
		RxIrqStatus:  h.load(hdrRxIrqStatus),
		TxIrqStatus:  h.load(hdrTxIrqStatus),
		ReadIdx:      h.load(hdrReadIdx),
		WriteIdx:     h.load(hdrWriteIdx),
		StartAddress: h.load(hdrStartAddr),
	}
}

// reset writes header defaults. Memory is not reallocated.
func (h header) reset(qtype QueueType, words uint32, startAddr uint32) {
	h.store(hdrStatus, 1)
	h.store(hdrType, uint32(qtype))
	h.store(hdrQSize, words)
	h.store(hdrPktSize, 0)
	h.store(hdrRxWatermark, 1)
	h.store(hdrTxWatermark, 1)
	if qtype == QueueTypeDebug {
		h.store(hdrRxReq, 0)
	} else {
		h.store(hdrRxReq, 1)
	}
	h.store(hdrTxReq, 0)
	h.store(hdrRxIrqStatus, 0)
	h.store(hdrTxIrqStatus, 0)
	h.store(hdrReadIdx, 0)
	h.store(hdrWriteIdx, 0)
	h.store(hdrStartAddr, startAddr)
}

func checkAligned(mem []byte) error {
	if len(mem) == 0 {
		return ErrRegionTooSmall
	}
	if uintptr(unsafe.Pointer(&mem[0]))%limits.WordSize != 0 {
		return ErrRegionMisaligned
	}
	return nil
}
