// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypePseudoTCP is the gopacket layer type of pseudo-TCP segments.
//
// Since pseudo-TCP has no well-known UDP port, decode the UDP payload
// explicitly using [gopacket.NewPacket] or a [gopacket.DecodingLayerParser].
var LayerTypePseudoTCP = gopacket.RegisterLayerType(2049, gopacket.LayerTypeMetadata{
	Name:    "PseudoTCP",
	Decoder: gopacket.DecodeFunc(decodePseudoTCP),
})

// Layer is a pseudo-TCP segment as a gopacket layer.
//
// The segment payload is the layer payload and is decoded as [gopacket.LayerTypePayload].
type Layer struct {
	layers.BaseLayer

	// Segment is the decoded segment.
	Segment Segment
}

var (
	_ gopacket.DecodingLayer      = &Layer{}
	_ gopacket.SerializableLayer = &Layer{}
)

// LayerType implements [gopacket.Layer].
func (l *Layer) LayerType() gopacket.LayerType {
	return LayerTypePseudoTCP
}

// CanDecode implements [gopacket.DecodingLayer].
func (l *Layer) CanDecode() gopacket.LayerClass {
	return LayerTypePseudoTCP
}

// NextLayerType implements [gopacket.DecodingLayer].
func (l *Layer) NextLayerType() gopacket.LayerType {
	if len(l.Payload) <= 0 {
		return gopacket.LayerTypeZero
	}
	return gopacket.LayerTypePayload
}

// DecodeFromBytes implements [gopacket.DecodingLayer].
func (l *Layer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	seg, err := DecodeSegment(data)
	if err != nil {
		df.SetTruncated()
		return err
	}
	l.Segment = seg
	l.BaseLayer = layers.BaseLayer{Contents: data[:HeaderSize], Payload: data[HeaderSize:]}
	return nil
}

// SerializeTo implements [gopacket.SerializableLayer].
//
// Only the header is written: the segment payload, if any, must be
// serialized as the next layer (e.g., using [gopacket.Payload]).
func (l *Layer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(HeaderSize)
	if err != nil {
		return err
	}
	header := l.Segment
	header.Payload = nil
	header.AppendTo(bytes[:0])
	return nil
}

func decodePseudoTCP(data []byte, p gopacket.PacketBuilder) error {
	l := &Layer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	if len(l.Payload) <= 0 {
		return nil
	}
	return p.NextDecoder(gopacket.LayerTypePayload)
}
