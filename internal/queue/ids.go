package queue

import (
	"github.com/RoanBrand/mqttcore/internal/model"
)

const maxIDs = 65535

// IDs allocates packet identifiers 1-65535. [MQTT-2.3.1-2, 2.3.1-4]
type IDs struct {
	outstanding [65536 / 64]uint64
	n           int
	cursor      uint16 // next candidate, never 0
}

// Next returns the first identifier at or after the cursor that is not
// outstanding and marks it outstanding.
func (a *IDs) Next() (uint16, error) {
	if a.n >= maxIDs {
		return 0, model.ErrIdentifierSpaceExhausted
	}
	if a.cursor == 0 {
		a.cursor = 1 // some clients don't like 0
	}

	for {
		id := a.cursor
		a.cursor++
		if a.cursor == 0 {
			a.cursor = 1
		}
		if !a.Outstanding(id) {
			a.outstanding[id>>6] |= 1 << (id & 63)
			a.n++
			return id, nil
		}
	}
}

// Release frees id for reuse. Releasing a free id is a no-op.
func (a *IDs) Release(id uint16) {
	if !a.Outstanding(id) {
		return
	}
	a.outstanding[id>>6] &^= 1 << (id & 63)
	a.n--
}

func (a *IDs) Outstanding(id uint16) bool {
	return a.outstanding[id>>6]&(1<<(id&63)) != 0
}

// Len returns the number of outstanding identifiers.
func (a *IDs) Len() int {
	return a.n
}

func (a *IDs) Reset() {
	*a = IDs{}
}
