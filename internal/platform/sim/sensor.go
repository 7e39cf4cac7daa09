package sim

import (
	"context"
	"sync"
)

// Sensor reports a settable temperature in millidegrees Celsius.
type Sensor struct {
	mu   sync.Mutex
	temp int
	err  error
}

func NewSensor(milliC int) *Sensor {
	return &Sensor{temp: milliC}
}

func (s *Sensor) Set(milliC int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temp = milliC
}

// Fail makes reads return err until cleared with nil.
func (s *Sensor) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Sensor) Temperature(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, s.err
	}

	return s.temp, nil
}
