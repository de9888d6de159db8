package protocol_test

import (
	"encoding/binary"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/hermes/protocol"
)

func headerBytes(frame []byte) []byte {
	n := binary.BigEndian.Uint16(frame)
	return frame[2 : 2+int(n)]
}

func rawFrame(header string, payload string) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(header)))
	out = append(out, header...)
	return append(out, payload...)
}

var _ = Describe("Frames", func() {
	payload := protocol.Mapping{"action": protocol.Text("check_username"), "username": protocol.Text("alice")}

	for _, kind := range []protocol.CodecKind{protocol.CodecText, protocol.CodecLegacy} {
		kind := kind

		Describe(string(kind), func() {
			It("parses back what it builds", func() {
				frame, err := protocol.BuildFrame(payload, kind, "utf-8")
				Expect(err).To(Succeed())

				n, rest, ok, err := protocol.ParseHeaderLength(frame)
				Expect(err).To(Succeed())
				Expect(ok).To(BeTrue())
				Expect(int(n)).To(Equal(len(headerBytes(frame))))

				header, rest, ok, err := protocol.ParseHeader(rest, n, kind)
				Expect(err).To(Succeed())
				Expect(ok).To(BeTrue())
				Expect(header.ContentLength).To(Equal(len(rest)))
				Expect(header.ContentEncoding).To(Equal("utf-8"))
				Expect(header.ByteOrder).To(Equal(protocol.HostByteOrder()))

				v, rest, ok, err := protocol.ParseBody(rest, header, kind)
				Expect(err).To(Succeed())
				Expect(ok).To(BeTrue())
				Expect(rest).To(BeEmpty())
				Expect(v).To(Equal(payload))
			})

			It("reports insufficient data instead of a value", func() {
				frame, err := protocol.BuildFrame(payload, kind, "utf-8")
				Expect(err).To(Succeed())

				_, _, ok, err := protocol.ParseHeaderLength(frame[:1])
				Expect(err).To(Succeed())
				Expect(ok).To(BeFalse())

				n, rest, _, _ := protocol.ParseHeaderLength(frame)
				_, _, ok, err = protocol.ParseHeader(rest[:n-1], n, kind)
				Expect(err).To(Succeed())
				Expect(ok).To(BeFalse())

				header, body, _, _ := protocol.ParseHeader(rest, n, kind)
				v, left, ok, err := protocol.ParseBody(body[:len(body)-1], header, kind)
				Expect(err).To(Succeed())
				Expect(ok).To(BeFalse())
				Expect(v).To(BeNil())
				Expect(left).To(HaveLen(len(body) - 1))
			})
		})
	}

	It("puts content-type in text headers and version in legacy headers", func() {
		frame, err := protocol.BuildFrame(payload, protocol.CodecText, "utf-8")
		Expect(err).To(Succeed())
		Expect(string(headerBytes(frame))).To(ContainSubstring(`"content-type":"text/json"`))
		Expect(string(headerBytes(frame))).NotTo(ContainSubstring(`version`))

		frame, err = protocol.BuildFrame(payload, protocol.CodecLegacy, "utf-8")
		Expect(err).To(Succeed())
		Expect(string(headerBytes(frame))).To(ContainSubstring(`"version":1`))
		Expect(string(headerBytes(frame))).NotTo(ContainSubstring(`content-type`))
	})

	It("leaves the next frame in the remainder", func() {
		one, _ := protocol.BuildFrame(protocol.Int(1), protocol.CodecText, "utf-8")
		two, _ := protocol.BuildFrame(protocol.Int(2), protocol.CodecText, "utf-8")
		buf := append(append([]byte{}, one...), two...)

		n, rest, _, _ := protocol.ParseHeaderLength(buf)
		header, rest, _, _ := protocol.ParseHeader(rest, n, protocol.CodecText)
		v, rest, ok, err := protocol.ParseBody(rest, header, protocol.CodecText)
		Expect(err).To(Succeed())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(protocol.Int(1)))
		Expect(rest).To(Equal(two))
	})

	Describe("header validation", func() {
		parse := func(kind protocol.CodecKind, header string) error {
			frame := rawFrame(header, "")
			n, rest, _, err := protocol.ParseHeaderLength(frame)
			Expect(err).To(Succeed())
			_, _, _, err = protocol.ParseHeader(rest, n, kind)
			return err
		}

		It("rejects a zero header length", func() {
			_, _, _, err := protocol.ParseHeaderLength([]byte{0, 0})
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
		})

		It("requires content-length and content-encoding", func() {
			err := parse(protocol.CodecText, `{"content-encoding":"utf-8"}`)
			Expect(errors.Is(err, protocol.ErrMissingHeader)).To(BeTrue())

			err = parse(protocol.CodecText, `{"content-length":0}`)
			Expect(errors.Is(err, protocol.ErrMissingHeader)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
		})

		It("requires version 1 for the legacy codec", func() {
			err := parse(protocol.CodecLegacy, `{"content-length":0,"content-encoding":"utf-8"}`)
			Expect(errors.Is(err, protocol.ErrMissingHeader)).To(BeTrue())

			err = parse(protocol.CodecLegacy, `{"content-length":0,"content-encoding":"utf-8","version":2}`)
			Expect(errors.Is(err, protocol.ErrBadVersion)).To(BeTrue())

			Expect(parse(protocol.CodecLegacy, `{"content-length":0,"content-encoding":"utf-8","version":1}`)).To(Succeed())
		})

		It("rejects headers that are not mappings or not decodable", func() {
			Expect(errors.Is(parse(protocol.CodecText, `[1]`), protocol.ErrProtocol)).To(BeTrue())
			Expect(errors.Is(parse(protocol.CodecText, `{oops`), protocol.ErrProtocol)).To(BeTrue())
			Expect(errors.Is(parse(protocol.CodecText, `{"content-length":-1,"content-encoding":"utf-8"}`), protocol.ErrProtocol)).To(BeTrue())
		})
	})
})
