package phi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/internal/store"
)

// MappingStore persists sealed mappings. store.Store satisfies it.
type MappingStore interface {
	SaveMapping(ctx context.Context, m *model.PHIMapping, replace bool) error
	GetMapping(ctx context.Context, encounterID string) (*model.PHIMapping, error)
}

// Mapping is a decrypted encounter mapping.
type Mapping struct {
	EncounterID      string
	DeidentifiedText string
	Tokens           []model.PHIToken
	Entities         []model.PHIEntity
	CreatedAt        time.Time
}

type sealedPayload struct {
	Mappings  []model.PHIToken  `json:"mappings"`
	Entities  []model.PHIEntity `json:"entities"`
	CreatedAt time.Time         `json:"createdAt"`
}

// StoreMapping seals the token mapping for an encounter and persists it.
// Without replace, a second mapping for the same encounter is rejected with
// store.ErrMappingExists.
func (e *Engine) StoreMapping(ctx context.Context, encounterID string, res *Result, replace bool) error {
	if e.sealer == nil || e.mappings == nil {
		return eris.New("phi: engine has no sealer or mapping store")
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(sealedPayload{
		Mappings:  res.Mappings,
		Entities:  res.Entities,
		CreatedAt: now,
	})
	if err != nil {
		return eris.Wrap(err, "phi: marshal mapping")
	}

	blob, err := e.sealer.Seal(payload, []byte(encounterID))
	if err != nil {
		return eris.Wrap(err, "phi: seal mapping")
	}

	err = e.mappings.SaveMapping(ctx, &model.PHIMapping{
		EncounterID:      encounterID,
		DeidentifiedText: res.DeidentifiedText,
		PHIDetected:      res.PHIDetected,
		DetectedCount:    len(res.Mappings),
		Blob:             blob,
		CreatedAt:        now,
	}, replace)
	if err != nil {
		return eris.Wrapf(err, "phi: save mapping for encounter %s", encounterID)
	}

	zap.L().Info("phi: mapping stored",
		zap.String("encounter_id", encounterID),
		zap.Int("detected_count", len(res.Mappings)),
		zap.Bool("replaced", replace),
	)
	return nil
}

// RetrieveMapping loads and opens the mapping for an encounter. A missing
// mapping or a blob that fails authentication is an integrity error.
func (e *Engine) RetrieveMapping(ctx context.Context, encounterID string) (*Mapping, error) {
	if e.sealer == nil || e.mappings == nil {
		return nil, eris.New("phi: engine has no sealer or mapping store")
	}

	rec, err := e.mappings.GetMapping(ctx, encounterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, resilience.Integrity(eris.Wrapf(err, "phi: no mapping for encounter %s", encounterID))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "phi: load mapping for encounter %s", encounterID)
	}

	plain, err := e.sealer.Open(rec.Blob, []byte(encounterID))
	if err != nil {
		zap.L().Error("phi: mapping failed integrity check", zap.String("encounter_id", encounterID))
		return nil, resilience.Integrity(eris.Wrapf(err, "phi: open mapping for encounter %s", encounterID))
	}

	var payload sealedPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, resilience.Integrity(eris.Wrapf(err, "phi: decode mapping for encounter %s", encounterID))
	}

	return &Mapping{
		EncounterID:      encounterID,
		DeidentifiedText: rec.DeidentifiedText,
		Tokens:           payload.Mappings,
		Entities:         payload.Entities,
		CreatedAt:        payload.CreatedAt,
	}, nil
}

// ReidentifyEncounter restores the original text of an encounter.
func (e *Engine) ReidentifyEncounter(ctx context.Context, encounterID string) (string, error) {
	m, err := e.RetrieveMapping(ctx, encounterID)
	if err != nil {
		return "", err
	}
	return Reidentify(m.DeidentifiedText, m.Tokens), nil
}
