package wire

import (
	"encoding/binary"
	"fmt"
)

// ErrShort is returned when a buffer is too small to hold a decoded value.
var ErrShort = fmt.Errorf("wire: buffer too short")

// MarshalTSCD encodes a TSCD into its 32-byte wire form.
func MarshalTSCD(d TSCD) []byte {
	buf := make([]byte, TSCDSize)
	binary.LittleEndian.PutUint64(buf[0:8], d.TSNum)
	binary.LittleEndian.PutUint64(buf[8:16], d.OffsetInRing)
	binary.LittleEndian.PutUint64(buf[16:24], d.SizeBytes)
	binary.LittleEndian.PutUint32(buf[24:28], d.NumMicroslices)
	return buf
}

// UnmarshalTSCD decodes a 32-byte TSCD from data.
func UnmarshalTSCD(data []byte) (TSCD, error) {
	if len(data) < TSCDSize {
		return TSCD{}, ErrShort
	}
	return TSCD{
		TSNum:          binary.LittleEndian.Uint64(data[0:8]),
		OffsetInRing:   binary.LittleEndian.Uint64(data[8:16]),
		SizeBytes:      binary.LittleEndian.Uint64(data[16:24]),
		NumMicroslices: binary.LittleEndian.Uint32(data[24:28]),
	}, nil
}

// MarshalMicrosliceDescriptor encodes a MicrosliceDescriptor into its
// 32-byte wire form.
func MarshalMicrosliceDescriptor(d MicrosliceDescriptor) []byte {
	buf := make([]byte, MicrosliceDescriptorSize)
	buf[0] = d.HeaderVersion
	binary.LittleEndian.PutUint16(buf[2:4], d.EquipmentID)
	buf[4] = d.SubsystemID
	buf[5] = d.SubsystemVer
	binary.LittleEndian.PutUint64(buf[8:16], d.Idx)
	binary.LittleEndian.PutUint32(buf[16:20], d.CRC32)
	binary.LittleEndian.PutUint32(buf[20:24], d.Size)
	binary.LittleEndian.PutUint64(buf[24:32], d.Offset)
	return buf
}

// UnmarshalMicrosliceDescriptor decodes a 32-byte MicrosliceDescriptor.
func UnmarshalMicrosliceDescriptor(data []byte) (MicrosliceDescriptor, error) {
	if len(data) < MicrosliceDescriptorSize {
		return MicrosliceDescriptor{}, ErrShort
	}
	return MicrosliceDescriptor{
		HeaderVersion: data[0],
		EquipmentID:   binary.LittleEndian.Uint16(data[2:4]),
		SubsystemID:   data[4],
		SubsystemVer:  data[5],
		Idx:           binary.LittleEndian.Uint64(data[8:16]),
		CRC32:         binary.LittleEndian.Uint32(data[16:20]),
		Size:          binary.LittleEndian.Uint32(data[20:24]),
		Offset:        binary.LittleEndian.Uint64(data[24:32]),
	}, nil
}

// statusFlags packs Final/Abort (or Final/RequestAbort) into one byte.
func statusFlags(final, second bool) byte {
	var b byte
	if final {
		b |= 1
	}
	if second {
		b |= 2
	}
	return b
}

// StatusMessageSize is the wire size of StatusMessage: two DualIndex
// uint64 pairs worth of fields (here one) plus a flags byte, padded to 24
// bytes per spec.md §6.
const StatusMessageSize = 24

// MarshalStatusMessage encodes a StatusMessage.
func MarshalStatusMessage(m StatusMessage) []byte {
	buf := make([]byte, StatusMessageSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.WP.Data)
	binary.LittleEndian.PutUint64(buf[8:16], m.WP.Desc)
	buf[16] = statusFlags(m.Final, m.Abort)
	return buf
}

// UnmarshalStatusMessage decodes a StatusMessage.
func UnmarshalStatusMessage(data []byte) (StatusMessage, error) {
	if len(data) < StatusMessageSize {
		return StatusMessage{}, ErrShort
	}
	flags := data[16]
	return StatusMessage{
		WP: DualIndex{
			Data: binary.LittleEndian.Uint64(data[0:8]),
			Desc: binary.LittleEndian.Uint64(data[8:16]),
		},
		Final: flags&1 != 0,
		Abort: flags&2 != 0,
	}, nil
}

// AckMessageSize is the wire size of AckMessage, same layout as StatusMessage.
const AckMessageSize = StatusMessageSize

// MarshalAckMessage encodes an AckMessage.
func MarshalAckMessage(m AckMessage) []byte {
	buf := make([]byte, AckMessageSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.Ack.Data)
	binary.LittleEndian.PutUint64(buf[8:16], m.Ack.Desc)
	buf[16] = statusFlags(m.Final, m.RequestAbort)
	return buf
}

// UnmarshalAckMessage decodes an AckMessage.
func UnmarshalAckMessage(data []byte) (AckMessage, error) {
	if len(data) < AckMessageSize {
		return AckMessage{}, ErrShort
	}
	flags := data[16]
	return AckMessage{
		Ack: DualIndex{
			Data: binary.LittleEndian.Uint64(data[0:8]),
			Desc: binary.LittleEndian.Uint64(data[8:16]),
		},
		Final:        flags&1 != 0,
		RequestAbort: flags&2 != 0,
	}, nil
}

// InputPrivateDataSize is the wire size of InputPrivateData.
const InputPrivateDataSize = 2

// MarshalInputPrivateData encodes InputPrivateData.
func MarshalInputPrivateData(d InputPrivateData) []byte {
	buf := make([]byte, InputPrivateDataSize)
	binary.LittleEndian.PutUint16(buf, d.Index)
	return buf
}

// UnmarshalInputPrivateData decodes InputPrivateData.
func UnmarshalInputPrivateData(data []byte) (InputPrivateData, error) {
	if len(data) < InputPrivateDataSize {
		return InputPrivateData{}, ErrShort
	}
	return InputPrivateData{Index: binary.LittleEndian.Uint16(data)}, nil
}

// ComputePrivateDataSize is the wire size of ComputePrivateData.
const ComputePrivateDataSize = 8 + 4 + 8 + 4 + 2 + 1 + 1

// MarshalComputePrivateData encodes ComputePrivateData.
func MarshalComputePrivateData(d ComputePrivateData) []byte {
	buf := make([]byte, ComputePrivateDataSize)
	binary.LittleEndian.PutUint64(buf[0:8], d.DataAddr)
	binary.LittleEndian.PutUint32(buf[8:12], d.DataRKey)
	binary.LittleEndian.PutUint64(buf[12:20], d.DescAddr)
	binary.LittleEndian.PutUint32(buf[20:24], d.DescRKey)
	binary.LittleEndian.PutUint16(buf[24:26], d.Index)
	buf[26] = d.DataBufSizeExp
	buf[27] = d.DescBufSizeExp
	return buf
}

// UnmarshalComputePrivateData decodes ComputePrivateData.
func UnmarshalComputePrivateData(data []byte) (ComputePrivateData, error) {
	if len(data) < ComputePrivateDataSize {
		return ComputePrivateData{}, ErrShort
	}
	return ComputePrivateData{
		DataAddr:       binary.LittleEndian.Uint64(data[0:8]),
		DataRKey:       binary.LittleEndian.Uint32(data[8:12]),
		DescAddr:       binary.LittleEndian.Uint64(data[12:20]),
		DescRKey:       binary.LittleEndian.Uint32(data[20:24]),
		Index:          binary.LittleEndian.Uint16(data[24:26]),
		DataBufSizeExp: data[26],
		DescBufSizeExp: data[27],
	}, nil
}
