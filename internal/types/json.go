package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON emits a mark as a bare JSON string and a pixel pair as a
// two-element array, matching the Action wire grammar in spec §6.
func (c Coordinate) MarshalJSON() ([]byte, error) {
	if c.IsMark {
		return json.Marshal(c.Mark)
	}
	return json.Marshal([2]int{c.X, c.Y})
}

// UnmarshalJSON accepts either a bare mark string or a two-element array
// and sets IsMark accordingly.
func (c *Coordinate) UnmarshalJSON(b []byte) error {
	var asString string
	if err := json.Unmarshal(b, &asString); err == nil {
		*c = Coordinate{Mark: asString, IsMark: true}
		return nil
	}
	var asPair []float64
	if err := json.Unmarshal(b, &asPair); err == nil {
		if len(asPair) < 2 {
			return fmt.Errorf("types: coordinate array needs 2 elements, got %d", len(asPair))
		}
		*c = Coordinate{X: int(asPair[0]), Y: int(asPair[1])}
		return nil
	}
	return errors.New("types: coordinate must be a mark string or a [x, y] array")
}
