package model

import (
	"fmt"
	"time"
)

// Role is the side of a killmail a tracked entity appears on.
type Role string

const (
	RoleVictim   Role = "victim"
	RoleAttacker Role = "attacker"
)

// Killmail is an immutable fact record from the killboard. The natural key is
// KillmailID; a killmail is written once and never mutated, only its derived
// child collections may be resynchronized.
type Killmail struct {
	KillmailID    int64
	Hash          string
	OccurredAt    time.Time
	SolarSystemID int64
	TotalValue    float64
	Points        int
	Labels        []string
	NPC           bool
	Solo          bool
}

// AgeDays is the number of whole days between OccurredAt and now.
func (k *Killmail) AgeDays(now time.Time) int {
	return int(now.Sub(k.OccurredAt).Hours() / 24)
}

// Victim is the losing side of a killmail, one per killmail. Entity ids are
// optional; zero means absent (NPC structures have no character id).
type Victim struct {
	KillmailID    int64
	CharacterID   int64
	CorporationID int64
	AllianceID    int64
	ShipTypeID    int64
	DamageTaken   int64
}

// EntityIDs returns the victim's present entity ids: character, corporation,
// alliance, in that order.
func (v *Victim) EntityIDs() []int64 {
	return presentIDs(v.CharacterID, v.CorporationID, v.AllianceID)
}

// Attacker is one of zero or more attacking parties on a killmail. Order
// carries no meaning; equality is full field match.
type Attacker struct {
	KillmailID     int64
	CharacterID    int64
	CorporationID  int64
	AllianceID     int64
	ShipTypeID     int64
	WeaponTypeID   int64
	DamageDone     int64
	FinalBlow      bool
	SecurityStatus float64
}

// EntityIDs returns the attacker's present entity ids.
func (a *Attacker) EntityIDs() []int64 {
	return presentIDs(a.CharacterID, a.CorporationID, a.AllianceID)
}

// Equal reports full-field equality. Two attackers differing in any field are
// replace-not-update when resynchronized.
func (a Attacker) Equal(b Attacker) bool {
	return a == b
}

// Involvement records that a tracked entity appears on a killmail in a given
// role. Recomputed whenever the killmail is (re)ingested.
type Involvement struct {
	KillmailID int64
	EntityID   int64
	Role       Role
}

// Key identifies an involvement row within one killmail.
func (i Involvement) Key() string {
	return fmt.Sprintf("%d/%s", i.EntityID, i.Role)
}

// CharacterLoss is the denormalized loss row written when a victim entity is
// tracked, one per killmail at most.
type CharacterLoss struct {
	KillmailID    int64
	EntityID      int64
	OccurredAt    time.Time
	ShipTypeID    int64
	SolarSystemID int64
	AttackerCount int
	TotalValue    float64
}

// TrackedCharacter is an entity on the allow-list. LastBackfillAt drives the
// backfill cooldown; zero means the entity has never been backfilled.
type TrackedCharacter struct {
	EntityID       int64
	Name           string
	LastBackfillAt time.Time
}

// Checkpoint is the durable high-water mark for one ingestion stream.
// LastSeenID only ever increases for a given stream.
type Checkpoint struct {
	StreamName string
	LastSeenID int64
	LastSeenAt time.Time
}

// KillStream names the checkpoint stream for one tracked entity's kills.
func KillStream(entityID int64) string {
	return fmt.Sprintf("kills:%d", entityID)
}

func presentIDs(ids ...int64) []int64 {
	present := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			present = append(present, id)
		}
	}
	return present
}
