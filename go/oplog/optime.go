/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package oplog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OpTime locates one write in a replica set's oplog: a cluster timestamp
// plus the term of the primary that produced it. OpTimes are totally
// ordered, first by timestamp, then by term.
type OpTime struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Term      int64               `bson:"t"`
}

// ZeroOpTime is the null optime; it sorts before every real optime.
var ZeroOpTime = OpTime{}

func NewOpTime(t, i uint32, term int64) OpTime {
	return OpTime{Timestamp: primitive.Timestamp{T: t, I: i}, Term: term}
}

func (ot OpTime) IsZero() bool {
	return ot.Timestamp.T == 0 && ot.Timestamp.I == 0 && ot.Term == 0
}

// Compare returns -1, 0 or 1 as ot sorts before, equal to or after other.
func (ot OpTime) Compare(other OpTime) int {
	if cmp := primitive.CompareTimestamp(ot.Timestamp, other.Timestamp); cmp != 0 {
		return cmp
	}
	switch {
	case ot.Term < other.Term:
		return -1
	case ot.Term > other.Term:
		return 1
	}
	return 0
}

func (ot OpTime) Before(other OpTime) bool {
	return ot.Compare(other) < 0
}

func (ot OpTime) After(other OpTime) bool {
	return ot.Compare(other) > 0
}

func (ot OpTime) Equal(other OpTime) bool {
	return ot.Compare(other) == 0
}

func (ot OpTime) String() string {
	return fmt.Sprintf("{ts: %d.%d, t: %d}", ot.Timestamp.T, ot.Timestamp.I, ot.Term)
}

// OpTimePair ties a donor optime to the recipient optime written while
// mirroring it. The recipient optime stays zero for batches that produced
// no local writes (resume token no-ops only).
type OpTimePair struct {
	Donor     OpTime
	Recipient OpTime
}

func (p OpTimePair) String() string {
	return fmt.Sprintf("{donor: %s, recipient: %s}", p.Donor, p.Recipient)
}
