package threshold

import (
	"fmt"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/types"
)

// Store maps environmental states to their threshold sets. Thresholds are
// fixed for the duration of a test case, so the store is validated and
// deep-copied at construction and read-only afterwards, safe for concurrent
// readers without locking.
type Store struct {
	states map[types.StateID]StateThresholds
}

// NewStore builds a store from per-state threshold sets. Every threshold is
// validated up front so a malformed definition fails the test case at load
// time instead of mid-run.
func NewStore(sets []StateThresholds) (*Store, error) {
	states := make(map[types.StateID]StateThresholds, len(sets))
	for _, set := range sets {
		if set.State == "" {
			return nil, errors.WrapInvalid(errors.ErrThresholdConfig, "Store", "NewStore", "empty state id")
		}
		if _, dup := states[set.State]; dup {
			return nil, errors.WrapInvalid(errors.ErrThresholdConfig, "Store", "NewStore",
				fmt.Sprintf("duplicate state %s", set.State))
		}

		copied := StateThresholds{
			State:      set.State,
			Thresholds: make(map[types.ChannelID]Threshold, len(set.Thresholds)),
		}
		for channel, t := range set.Thresholds {
			if t.Channel == "" {
				t.Channel = channel
			}
			if t.Channel != channel {
				return nil, errors.WrapInvalid(errors.ErrThresholdConfig, "Store", "NewStore",
					fmt.Sprintf("state %s: threshold for %s keyed under %s", set.State, t.Channel, channel))
			}
			if err := t.Validate(); err != nil {
				return nil, errors.Wrap(err, "Store", "NewStore", fmt.Sprintf("state %s", set.State))
			}
			copied.Thresholds[channel] = t
		}
		states[set.State] = copied
	}
	return &Store{states: states}, nil
}

// ForState returns the threshold set for a state. A miss means no channel
// is constrained in that state.
func (s *Store) ForState(state types.StateID) (StateThresholds, bool) {
	st, ok := s.states[state]
	return st, ok
}

// States returns the ids of every state with a threshold set.
func (s *Store) States() []types.StateID {
	out := make([]types.StateID, 0, len(s.states))
	for id := range s.states {
		out = append(out, id)
	}
	return out
}
