package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/cucumber/godog"

	"github.com/jech/peerwire/protocol"
)

type dispatchScenario struct {
	f *fixture
}

func (s *dispatchScenario) connection(state string) error {
	f, err := makeFixture(state == "known")
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *dispatchScenario) noExtensions() error {
	s.f.c.Peer.Handshake.Extended = false
	return nil
}

func (s *dispatchScenario) started() error {
	if s.f.c.State() != Handshaking {
		return nil
	}
	err := s.f.c.Start(s.f.now)
	if err != nil {
		return err
	}
	return s.f.c.Flush(s.f.now)
}

// feed delivers a message.  Protocol failures are checked by later
// steps, so the error is dropped here.
func (s *dispatchScenario) feed(m protocol.Message) error {
	err := s.started()
	if err != nil {
		return err
	}
	s.f.feed(m)
	return nil
}

func (s *dispatchScenario) sendBitfield() error {
	return s.feed(protocol.Bitfield{Bitfield: []byte{0x80, 0}})
}

func (s *dispatchScenario) sendHave(index int) error {
	return s.feed(protocol.Have{Index: uint32(index)})
}

func (s *dispatchScenario) sendExtended(subtype int) error {
	return s.feed(protocol.Extended{Subtype: uint8(subtype), Payload: []byte("de")})
}

func (s *dispatchScenario) sendFrame(length int64) error {
	err := s.started()
	if err != nil {
		return err
	}
	s.f.conn.in.Write(binary.BigEndian.AppendUint32(nil, uint32(length)))
	s.f.c.Fill(s.f.now)
	return nil
}

func (s *dispatchScenario) metadataKnown(n int) error {
	err := s.f.setKnown(n)
	if err != nil {
		return err
	}
	s.f.c.MetadataKnown()
	return nil
}

func (s *dispatchScenario) fails(kind string) error {
	if s.f.c.State() != Closed {
		return errors.New("connection is still open")
	}
	var f *Failure
	if !errors.As(s.f.c.Failure(), &f) {
		return fmt.Errorf("unexpected failure %v", s.f.c.Failure())
	}
	if f.Kind.String() != kind {
		return fmt.Errorf("expected %v failure, got %v", kind, f)
	}
	return nil
}

func (s *dispatchScenario) established() error {
	if s.f.c.State() != Established {
		return fmt.Errorf("connection is %v (%v)",
			s.f.c.State(), s.f.c.Failure())
	}
	return nil
}

func (s *dispatchScenario) pending(index int) error {
	for _, i := range s.f.c.Peer.Pending {
		if i == uint32(index) {
			return nil
		}
	}
	return fmt.Errorf("piece %v is not pending", index)
}

func (s *dispatchScenario) peerHas(index int) error {
	if !s.f.c.Peer.Available.Get(index) {
		return fmt.Errorf("peer doesn't have piece %v", index)
	}
	return nil
}

func (s *dispatchScenario) interested() error {
	if !s.f.c.Client.Interested {
		return errors.New("not interested")
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	s := &dispatchScenario{}
	ctx.Step(`^a connection whose metadata is (known|unknown)$`, s.connection)
	ctx.Step(`^the peer does not support extensions$`, s.noExtensions)
	ctx.Step(`^the peer sends a bitfield$`, s.sendBitfield)
	ctx.Step(`^the peer sends Have for piece (\d+)$`, s.sendHave)
	ctx.Step(`^the peer sends an extended message with subtype (\d+)$`,
		s.sendExtended)
	ctx.Step(`^the peer sends a frame of length (\d+)$`, s.sendFrame)
	ctx.Step(`^metadata with (\d+) pieces becomes known$`, s.metadataKnown)
	ctx.Step(`^the connection fails with a (\w+) error$`, s.fails)
	ctx.Step(`^the connection is established$`, s.established)
	ctx.Step(`^piece (\d+) is pending$`, s.pending)
	ctx.Step(`^the peer has piece (\d+)$`, s.peerHas)
	ctx.Step(`^we are interested$`, s.interested)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
