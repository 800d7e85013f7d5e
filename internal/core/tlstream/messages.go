package tlstream

import "encoding/binary"

// Object stream messages
const (
	MsgNewCtx uint32 = iota
	MsgDelCtx
	MsgSummaryEnd
)

// Auxiliary stream messages
const (
	MsgAuxPageFault uint32 = iota
	MsgAuxJobSoftstop
)

// Every message starts with a u32 id and a u64 CLOCK_MONOTONIC_RAW timestamp
const messagePrefixSize = 4 + 8

func messageTable(typ Type) []MessageDesc {
	switch typ {
	case TypeObj:
		return []MessageDesc{
			{ID: MsgNewCtx, Name: "new_ctx", Args: "ctx:u32,tgid:u32", Doc: "context created"},
			{ID: MsgDelCtx, Name: "del_ctx", Args: "ctx:u32", Doc: "context destroyed"},
			{ID: MsgSummaryEnd, Name: "summary_end", Doc: "end of state dump"},
		}
	case TypeAux:
		return []MessageDesc{
			{ID: MsgAuxPageFault, Name: "aux_pagefault", Args: "ctx:u32,as:u32,pages:u64", Doc: "page fault serviced"},
			{ID: MsgAuxJobSoftstop, Name: "aux_job_softstop", Args: "job:u64", Doc: "job soft-stopped"},
		}
	default:
		// Firmware records are self-describing
		return nil
	}
}

type message []byte

func newMessage(id uint32, ts uint64, argBytes int) message {
	m := make(message, messagePrefixSize, messagePrefixSize+argBytes)
	binary.LittleEndian.PutUint32(m, id)
	binary.LittleEndian.PutUint64(m[4:], ts)
	return m
}

func (m message) u32(v uint32) message { return binary.LittleEndian.AppendUint32(m, v) }

func (m message) u64(v uint64) message { return binary.LittleEndian.AppendUint64(m, v) }

func EncodeNewCtx(ts uint64, ctx, tgid uint32) []byte {
	return newMessage(MsgNewCtx, ts, 8).u32(ctx).u32(tgid)
}

func EncodeDelCtx(ts uint64, ctx uint32) []byte {
	return newMessage(MsgDelCtx, ts, 4).u32(ctx)
}

func EncodeSummaryEnd(ts uint64) []byte {
	return newMessage(MsgSummaryEnd, ts, 0)
}

func EncodeAuxPageFault(ts uint64, ctx, as uint32, pages uint64) []byte {
	return newMessage(MsgAuxPageFault, ts, 16).u32(ctx).u32(as).u64(pages)
}

func EncodeAuxJobSoftstop(ts uint64, job uint64) []byte {
	return newMessage(MsgAuxJobSoftstop, ts, 8).u64(job)
}

// MessageID returns the id and timestamp prefix of an encoded message
func MessageID(b []byte) (id uint32, ts uint64, ok bool) {
	if len(b) < messagePrefixSize {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(b), binary.LittleEndian.Uint64(b[4:]), true
}
