package model

import (
	"time"

	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
)

// KillmailRef is one element of a feed page: the lightweight summary the
// killboard publishes per killmail. Pages list refs newest-first.
type KillmailRef struct {
	ID         int64     `json:"id"`
	Hash       string    `json:"integrityHash"`
	OccurredAt time.Time `json:"occurredAt"`
	TotalValue float64   `json:"summaryValue"`
	Points     int       `json:"points"`
	Labels     []string  `json:"labels"`
	NPC        bool      `json:"npc"`
	Solo       bool      `json:"solo"`
}

// Validate rejects refs that cannot identify a killmail. The integrity hash
// is required because the detail service keys on (id, hash).
func (r *KillmailRef) Validate() error {
	if r.ID <= 0 {
		return &killfeederrors.ErrValidation{Type: "killmailRef.id", Value: r.ID, Message: "must be positive"}
	}
	if r.Hash == "" {
		return &killfeederrors.ErrValidation{Type: "killmailRef.integrityHash", Value: r.ID, Message: "missing"}
	}
	if r.OccurredAt.IsZero() {
		return &killfeederrors.ErrValidation{Type: "killmailRef.occurredAt", Value: r.ID, Message: "missing"}
	}
	return nil
}

// KillmailDetail is the authoritative payload from the detail service.
type KillmailDetail struct {
	OccurredAt   time.Time            `json:"occurredAt"`
	LocationID   int64                `json:"locationId"`
	Subject      SubjectPayload       `json:"subject"`
	Participants []ParticipantPayload `json:"participants"`
}

// SubjectPayload is the victim block of a detail payload.
type SubjectPayload struct {
	CharacterID   int64 `json:"characterId"`
	CorporationID int64 `json:"corpId"`
	AllianceID    int64 `json:"allianceId"`
	ShipTypeID    int64 `json:"shipTypeId"`
	DamageTaken   int64 `json:"damageTaken"`
}

// ParticipantPayload is one attacker block of a detail payload.
type ParticipantPayload struct {
	CharacterID    int64   `json:"characterId"`
	CorporationID  int64   `json:"corpId"`
	AllianceID     int64   `json:"allianceId"`
	ShipTypeID     int64   `json:"shipTypeId"`
	WeaponTypeID   int64   `json:"weaponTypeId"`
	DamageDone     int64   `json:"damageDone"`
	FinalBlow      bool    `json:"finalBlow"`
	SecurityStatus float64 `json:"securityStatus"`
}

// Validate rejects detail payloads missing the fields every killmail carries.
// A subject with no entity ids at all is legal (NPC structures), but it must
// still name the ship that died.
func (d *KillmailDetail) Validate() error {
	if d.OccurredAt.IsZero() {
		return &killfeederrors.ErrValidation{Type: "detail.occurredAt", Message: "missing"}
	}
	if d.LocationID <= 0 {
		return &killfeederrors.ErrValidation{Type: "detail.locationId", Value: d.LocationID, Message: "must be positive"}
	}
	if d.Subject.ShipTypeID <= 0 {
		return &killfeederrors.ErrValidation{Type: "detail.subject.shipTypeId", Value: d.Subject.ShipTypeID, Message: "must be positive"}
	}
	return nil
}

// ValidatedKillmail is the tagged record the persistence layer accepts. It can
// only be produced by AssembleKillmail, so anything holding one has passed
// boundary validation.
type ValidatedKillmail struct {
	Killmail  Killmail
	Victim    Victim
	Attackers []Attacker
}

// AssembleKillmail validates a feed ref and a detail payload and merges them
// into a ValidatedKillmail. Summary attributes (value, points, labels, flags)
// come from the ref; time, location, and parties come from the authoritative
// detail.
func AssembleKillmail(ref *KillmailRef, detail *KillmailDetail) (*ValidatedKillmail, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := detail.Validate(); err != nil {
		return nil, err
	}

	killmail := Killmail{
		KillmailID:    ref.ID,
		Hash:          ref.Hash,
		OccurredAt:    detail.OccurredAt,
		SolarSystemID: detail.LocationID,
		TotalValue:    ref.TotalValue,
		Points:        ref.Points,
		Labels:        ref.Labels,
		NPC:           ref.NPC,
		Solo:          ref.Solo,
	}
	victim := Victim{
		KillmailID:    ref.ID,
		CharacterID:   detail.Subject.CharacterID,
		CorporationID: detail.Subject.CorporationID,
		AllianceID:    detail.Subject.AllianceID,
		ShipTypeID:    detail.Subject.ShipTypeID,
		DamageTaken:   detail.Subject.DamageTaken,
	}
	attackers := make([]Attacker, len(detail.Participants))
	for i, p := range detail.Participants {
		attackers[i] = Attacker{
			KillmailID:     ref.ID,
			CharacterID:    p.CharacterID,
			CorporationID:  p.CorporationID,
			AllianceID:     p.AllianceID,
			ShipTypeID:     p.ShipTypeID,
			WeaponTypeID:   p.WeaponTypeID,
			DamageDone:     p.DamageDone,
			FinalBlow:      p.FinalBlow,
			SecurityStatus: p.SecurityStatus,
		}
	}
	return &ValidatedKillmail{Killmail: killmail, Victim: victim, Attackers: attackers}, nil
}

// EntityIDs returns every present entity id on the killmail, victim first,
// then attackers in feed order. Duplicates are not removed.
func (vk *ValidatedKillmail) EntityIDs() []int64 {
	ids := vk.Victim.EntityIDs()
	for i := range vk.Attackers {
		ids = append(ids, vk.Attackers[i].EntityIDs()...)
	}
	return ids
}

// TrackedInvolvements derives the involvement rows for every tracked entity
// appearing on the killmail, at most one row per (entity, role).
func (vk *ValidatedKillmail) TrackedInvolvements(tracked map[int64]bool) []Involvement {
	seen := make(map[string]bool)
	var involvements []Involvement

	add := func(entityID int64, role Role) {
		if !tracked[entityID] {
			return
		}
		inv := Involvement{KillmailID: vk.Killmail.KillmailID, EntityID: entityID, Role: role}
		if seen[inv.Key()] {
			return
		}
		seen[inv.Key()] = true
		involvements = append(involvements, inv)
	}

	for _, id := range vk.Victim.EntityIDs() {
		add(id, RoleVictim)
	}
	for i := range vk.Attackers {
		for _, id := range vk.Attackers[i].EntityIDs() {
			add(id, RoleAttacker)
		}
	}
	return involvements
}

// LossFor returns the loss row to persist when a victim entity id is tracked.
// When several victim ids are tracked the character wins over the corporation,
// which wins over the alliance.
func (vk *ValidatedKillmail) LossFor(tracked map[int64]bool) (*CharacterLoss, bool) {
	var entityID int64
	switch {
	case tracked[vk.Victim.CharacterID] && vk.Victim.CharacterID != 0:
		entityID = vk.Victim.CharacterID
	case tracked[vk.Victim.CorporationID] && vk.Victim.CorporationID != 0:
		entityID = vk.Victim.CorporationID
	case tracked[vk.Victim.AllianceID] && vk.Victim.AllianceID != 0:
		entityID = vk.Victim.AllianceID
	default:
		return nil, false
	}
	return &CharacterLoss{
		KillmailID:    vk.Killmail.KillmailID,
		EntityID:      entityID,
		OccurredAt:    vk.Killmail.OccurredAt,
		ShipTypeID:    vk.Victim.ShipTypeID,
		SolarSystemID: vk.Killmail.SolarSystemID,
		AttackerCount: len(vk.Attackers),
		TotalValue:    vk.Killmail.TotalValue,
	}, true
}
