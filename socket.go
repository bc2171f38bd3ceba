//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memtrace

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// captureALPN is the protocol name negotiated on capture streams.
const captureALPN = "memtrace"

// SocketSink streams a capture to a remote collector over a QUIC stream.
// It cannot seek, so the header is written once with provisional stats, and
// it cannot follow a fork: a child of a process streaming its capture runs
// untracked.
type SocketSink struct {
	conn   *quic.Conn
	stream *quic.Stream
}

// DialCapture connects to a collector listening with ListenCapture. A nil
// tlsConf trusts the peer blindly, which is how captures are streamed over
// a loopback or otherwise trusted link.
func DialCapture(ctx context.Context, addr string, tlsConf *tls.Config) (*SocketSink, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{captureALPN}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &SocketSink{conn: conn, stream: stream}, nil
}

func (s *SocketSink) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.stream.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *SocketSink) Flush() error { return nil }

func (s *SocketSink) SeekToStart() bool { return false }

// CloneInChild returns nil: a stream cannot be duplicated into a child.
func (s *SocketSink) CloneInChild() (Sink, error) { return nil, nil }

func (s *SocketSink) Close() error {
	if err := s.stream.Close(); err != nil {
		return err
	}
	return s.conn.CloseWithError(0, "")
}

// CaptureListener accepts streamed captures.
type CaptureListener struct {
	ln *quic.Listener
}

// ListenCapture listens for streamed captures on addr. A nil tlsConf serves
// an in-memory self-signed certificate, matching the blind-trust default of
// DialCapture.
func ListenCapture(addr string, tlsConf *tls.Config) (*CaptureListener, error) {
	if tlsConf == nil {
		var err error
		if tlsConf, err = selfSignedConfig(); err != nil {
			return nil, err
		}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.MinVersion = tls.VersionTLS13
	tlsConf.NextProtos = []string{captureALPN}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return &CaptureListener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *CaptureListener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits for one incoming capture stream and returns a reader over
// it. End of stream is clean termination: streamed captures carry no
// trailer chunk padding.
func (l *CaptureListener) Accept(ctx context.Context) (*RecordReader, io.Closer, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream")
		return nil, nil, err
	}
	r, err := NewRecordReader(stream)
	if err != nil {
		conn.CloseWithError(0, "bad capture header")
		return nil, nil, err
	}
	return r, closerFunc(func() error { return conn.CloseWithError(0, "") }), nil
}

// AcceptRaw waits for one incoming capture stream and returns it as a raw
// byte stream, for callers that archive the capture instead of replaying
// it. Closing the returned reader closes the connection.
func (l *CaptureListener) AcceptRaw(ctx context.Context) (io.ReadCloser, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream")
		return nil, err
	}
	return &rawCaptureStream{stream: stream, conn: conn}, nil
}

type rawCaptureStream struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (s *rawCaptureStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *rawCaptureStream) Close() error {
	return s.conn.CloseWithError(0, "")
}

func (l *CaptureListener) Close() error {
	return l.ln.Close()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func selfSignedConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "memtrace"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}, nil
}
