package splitjoin

import (
	"context"
	"sync/atomic"

	"github.com/wehubfusion/Hydra/pkg/message"
)

// lifecycleCounts tracks lifecycle calls across every service a factory built
type lifecycleCounts struct {
	created atomic.Int32
	inits   atomic.Int32
	starts  atomic.Int32
	stops   atomic.Int32
	closes  atomic.Int32
}

type trackedService struct {
	counts   *lifecycleCounts
	startErr error
	valid    atomic.Bool
	execute  func(ctx context.Context, msg *message.Message) error
}

func (s *trackedService) Init(ctx context.Context) error {
	s.counts.inits.Add(1)
	return nil
}

func (s *trackedService) Start(ctx context.Context) error {
	s.counts.starts.Add(1)
	return s.startErr
}

func (s *trackedService) Execute(ctx context.Context, msg *message.Message) error {
	if s.execute != nil {
		return s.execute(ctx, msg)
	}
	return nil
}

func (s *trackedService) Stop(ctx context.Context) error {
	s.counts.stops.Add(1)
	return nil
}

func (s *trackedService) Close(ctx context.Context) error {
	s.counts.closes.Add(1)
	return nil
}

func (s *trackedService) IsValid() bool {
	return s.valid.Load()
}

// trackedFactory builds trackedServices sharing counts
func trackedFactory(counts *lifecycleCounts, startErr error) ServiceFactory {
	return func() (Service, error) {
		counts.created.Add(1)
		s := &trackedService{counts: counts, startErr: startErr}
		s.valid.Store(true)
		return s, nil
	}
}

func textMessages(payloads ...string) []*message.Message {
	msgs := make([]*message.Message, len(payloads))
	for i, p := range payloads {
		msgs[i] = message.NewStringMessage(p)
	}
	return msgs
}
