package memory

import "fmt"

// IndexState is the lifecycle state of one character's index.
//
//	NotLoaded -> Loading -> Ready
//	Ready -> Rebuilding -> Ready
//	any -> Error, Error -> Loading on the next LoadOrCreate
type IndexState int

const (
	StateNotLoaded IndexState = iota
	StateLoading
	StateReady
	StateRebuilding
	StateError
)

func (s IndexState) String() string {
	switch s {
	case StateNotLoaded:
		return "not_loaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRebuilding:
		return "rebuilding"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status output.
func (s IndexState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *IndexState) UnmarshalText(text []byte) error {
	st, err := ParseIndexState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseIndexState maps a state name back to its IndexState.
func ParseIndexState(name string) (IndexState, error) {
	for st := StateNotLoaded; st <= StateError; st++ {
		if st.String() == name {
			return st, nil
		}
	}
	return StateNotLoaded, fmt.Errorf("unknown index state %q", name)
}
