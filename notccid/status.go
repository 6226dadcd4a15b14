package notccid

import "fmt"

type Status struct {
	CardInserted bool `json:"cardInserted"`
	Claimed      bool `json:"claimed"`
}

// parseStatus reads the two status bytes. Missing bytes read as false.
func parseStatus(payload []byte) Status {
	var s Status
	if len(payload) > 0 {
		s.CardInserted = payload[0] == 1
	}
	if len(payload) > 1 {
		s.Claimed = payload[1] == 1
	}
	return s
}

func (s Status) String() string {
	return fmt.Sprintf("card inserted: %v, claimed: %v", s.CardInserted, s.Claimed)
}
