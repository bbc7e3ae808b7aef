package weightsource

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bolt/internal/engine"
	"github.com/23skdu/longbow-bolt/internal/logger"
)

// FlightSource fetches the named-tensor records over Arrow Flight. The
// server side is whatever converted the model file; the runtime only
// pulls the already-parsed stream at load time.
type FlightSource struct {
	addr    string
	ticket  []byte
	timeout time.Duration

	client flight.Client
}

// NewFlightSource points at a Flight server; ticket names the tensor
// set to pull (typically the model identifier).
func NewFlightSource(addr string, ticket string) *FlightSource {
	return &FlightSource{
		addr:    addr,
		ticket:  []byte(ticket),
		timeout: 30 * time.Second,
	}
}

// Connect dials the Flight endpoint.
func (s *FlightSource) Connect() error {
	client, err := flight.NewClientWithMiddleware(s.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing flight server %s: %w", s.addr, err)
	}
	s.client = client
	return nil
}

func (s *FlightSource) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Fetch pulls every tensor record for the configured ticket.
func (s *FlightSource) Fetch(ctx context.Context) (map[string]engine.Tensor, error) {
	if s.client == nil {
		return nil, fmt.Errorf("flight source not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoGet(ctx, &flight.Ticket{Ticket: s.ticket})
	if err != nil {
		return nil, fmt.Errorf("flight DoGet: %w", err)
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("opening flight stream: %w", err)
	}
	defer reader.Release()

	tensors := make(map[string]engine.Tensor)
	for reader.Next() {
		if err := appendRecord(tensors, reader.Record()); err != nil {
			return nil, err
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("reading flight stream: %w", err)
	}

	logger.Log.Info("fetched tensors over flight",
		"addr", s.addr,
		"tensors", len(tensors),
	)
	return tensors, nil
}
