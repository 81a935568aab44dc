package service

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/module"
)

// Registry provides configured module copies
type Registry interface {
	Get(name string) (module.Module, error)
}

// JobsFromConfig turns configured schedules into jobs. Module options are
// set in the key order. Invalid schedules are reported together, valid ones
// are returned.
func JobsFromConfig(reg Registry, schedules []model.Schedule) ([]Job, error) {
	jobs := make([]Job, 0, len(schedules))
	seen := make(map[string]bool, len(schedules))
	var errs []error
	for _, sc := range schedules {
		job, err := jobFromSchedule(reg, sc)
		if err == nil && seen[sc.Name] {
			err = errors.New("duplicate schedule name")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sc.Name, err))
			continue
		}
		seen[sc.Name] = true
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}

func jobFromSchedule(reg Registry, sc model.Schedule) (Job, error) {
	m, err := reg.Get(sc.Module)
	if err != nil {
		return Job{}, err
	}
	for _, key := range slices.Sorted(maps.Keys(sc.Options)) {
		if err := m.Set(key, fmt.Sprint(sc.Options[key])); err != nil {
			return Job{}, err
		}
	}
	job := Job{
		Name:   sc.Name,
		Module: m,
		Cron:   sc.Cron,
	}
	if sc.Every != "" {
		if job.Every, err = ParseInterval(sc.Every); err != nil {
			return Job{}, err
		}
	}
	if _, err := definition(job); err != nil {
		return Job{}, err
	}
	return job, nil
}
