package memory

import (
	"fmt"

	"qms/dispatch-service/internal/models"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Seed is the reference data a memory store starts with.
type Seed struct {
	Departments []models.Department `koanf:"departments"`
	Counters    []models.Counter    `koanf:"counters"`
	QueueTypes  []models.QueueType  `koanf:"queue_types"`
	CaseRoles   []models.CaseRole   `koanf:"case_roles"`
}

func LoadSeed(path string) (Seed, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Seed{}, fmt.Errorf("load seed %s: %w", path, err)
	}
	var seed Seed
	if err := k.UnmarshalWithConf("", &seed, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Seed{}, fmt.Errorf("decode seed %s: %w", path, err)
	}
	if err := seed.validate(); err != nil {
		return Seed{}, fmt.Errorf("seed %s: %w", path, err)
	}
	return seed, nil
}

func (s Seed) validate() error {
	depts := make(map[string]bool, len(s.Departments))
	for _, d := range s.Departments {
		if d.DepartmentID == "" {
			return fmt.Errorf("department without id")
		}
		depts[d.DepartmentID] = true
	}
	for _, c := range s.Counters {
		if !depts[c.DepartmentID] {
			return fmt.Errorf("counter %s references unknown department %s", c.CounterID, c.DepartmentID)
		}
	}
	for _, qt := range s.QueueTypes {
		if len(qt.Code) != 1 {
			return fmt.Errorf("queue type %s code must be one letter", qt.TypeID)
		}
		if !depts[qt.DepartmentID] {
			return fmt.Errorf("queue type %s references unknown department %s", qt.TypeID, qt.DepartmentID)
		}
	}
	return nil
}
