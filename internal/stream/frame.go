package stream

import (
	"encoding/binary"
	"fmt"
)

// Wire layout of one sink buffer, little-endian: offset and bytesPerBuffer
// (int32), dataType (int16), elementSize, channels and samples (int32 each),
// then the channel-major uint16 payload. Two TTL rows ride along after the
// data rows and are included in the channel count.
const (
	DataTypeU16 = 2
	ElementSize = 2
	TTLChannels = 2
	HeaderSize  = 4 + 4 + 2 + 4 + 4 + 4
)

type Header struct {
	Offset         int32
	BytesPerBuffer int32
	DataType       int16
	ElementSize    int32
	Channels       int32
	Samples        int32
}

// NewHeader describes a buffer of channels data rows plus the TTL rows.
func NewHeader(channels, samples int) Header {
	total := channels + TTLChannels
	return Header{
		Offset:         0,
		BytesPerBuffer: int32(total * samples * ElementSize),
		DataType:       DataTypeU16,
		ElementSize:    ElementSize,
		Channels:       int32(total),
		Samples:        int32(samples),
	}
}

// Encode appends the wire form of the header to buf.
func (h Header) Encode(buf []byte) []byte {
	var scratch [HeaderSize]byte
	binary.LittleEndian.PutUint32(scratch[0:4], uint32(h.Offset))
	binary.LittleEndian.PutUint32(scratch[4:8], uint32(h.BytesPerBuffer))
	binary.LittleEndian.PutUint16(scratch[8:10], uint16(h.DataType))
	binary.LittleEndian.PutUint32(scratch[10:14], uint32(h.ElementSize))
	binary.LittleEndian.PutUint32(scratch[14:18], uint32(h.Channels))
	binary.LittleEndian.PutUint32(scratch[18:22], uint32(h.Samples))
	return append(buf, scratch[:]...)
}

// DecodeHeader reads a header back from its wire form.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("header needs %d bytes, got %d", HeaderSize, len(data))
	}
	return Header{
		Offset:         int32(binary.LittleEndian.Uint32(data[0:4])),
		BytesPerBuffer: int32(binary.LittleEndian.Uint32(data[4:8])),
		DataType:       int16(binary.LittleEndian.Uint16(data[8:10])),
		ElementSize:    int32(binary.LittleEndian.Uint32(data[10:14])),
		Channels:       int32(binary.LittleEndian.Uint32(data[14:18])),
		Samples:        int32(binary.LittleEndian.Uint32(data[18:22])),
	}, nil
}

// EncodeBatch renders one acquisition buffer as a complete wire frame. data
// is channel-major with channels*samples values. Rows whose muted flag is
// set are written as zeros, the TTL rows are appended zeroed.
func EncodeBatch(data []int16, channels, samples int, muted []bool) ([]byte, error) {
	if len(data) != channels*samples {
		return nil, fmt.Errorf("batch has %d values, want %d channels x %d samples", len(data), channels, samples)
	}

	h := NewHeader(channels, samples)
	buf := make([]byte, 0, HeaderSize+int(h.BytesPerBuffer))
	buf = h.Encode(buf)

	rowBytes := samples * ElementSize
	for ch := 0; ch < channels; ch++ {
		if ch < len(muted) && muted[ch] {
			buf = append(buf, make([]byte, rowBytes)...)
			continue
		}
		row := data[ch*samples : (ch+1)*samples]
		for _, v := range row {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
		}
	}
	buf = append(buf, make([]byte, TTLChannels*rowBytes)...)
	return buf, nil
}
