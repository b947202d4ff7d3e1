package jobstore

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
)

// settingsMetaRow is the badgerhold-persisted shape of a JobSettingsMeta
// child row. It needs its own primary key distinct from jobmodel.SettingsMeta
// (which has none) because a single job can carry many rows.
type settingsMetaRow struct {
	ID       string `badgerholdKey:"ID"`
	JobID    string `badgerholdIndex:"JobID"`
	FileName string
	Factory  string
	NodeName string
	Name     string
}

func toRow(m jobmodel.SettingsMeta) settingsMetaRow {
	return settingsMetaRow{
		ID:       uuid.New().String(),
		JobID:    m.JobID,
		FileName: m.FileName,
		Factory:  m.Factory,
		NodeName: m.NodeName,
		Name:     m.Name,
	}
}

func (r settingsMetaRow) toModel() jobmodel.SettingsMeta {
	return jobmodel.SettingsMeta{
		JobID:    r.JobID,
		FileName: r.FileName,
		Factory:  r.Factory,
		NodeName: r.NodeName,
		Name:     r.Name,
	}
}

// CreateSettingsMeta inserts one JobSettingsMeta row. Called once per
// <entry> discovered by the metadata extractor (C2) during intake.
func (s *Store) CreateSettingsMeta(m jobmodel.SettingsMeta) error {
	row := toRow(m)
	if err := s.db.Insert(row.ID, row); err != nil {
		return fmt.Errorf("failed to insert settings meta for job %s: %w", m.JobID, err)
	}
	return nil
}

// ListSettingsMetaForJob returns every JobSettingsMeta row belonging to job id.
func (s *Store) ListSettingsMetaForJob(jobID string) ([]jobmodel.SettingsMeta, error) {
	var rows []settingsMetaRow
	if err := s.db.Find(&rows, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to list settings meta for job %s: %w", jobID, err)
	}
	out := make([]jobmodel.SettingsMeta, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// DeleteSettingsMetaForJob removes every JobSettingsMeta row belonging to
// jobID, matching spec.md §3's "parent deletion removes all" rule.
func (s *Store) DeleteSettingsMetaForJob(jobID string) error {
	err := s.db.DeleteMatching(&settingsMetaRow{}, badgerhold.Where("JobID").Eq(jobID))
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete settings meta for job %s: %w", jobID, err)
	}
	return nil
}
