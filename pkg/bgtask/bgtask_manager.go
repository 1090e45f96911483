package bgtask

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/stleox/seespan/pkg/config"
	"github.com/stleox/seespan/pkg/olap"
)

// BgTaskManager manages background periodical tasks.
// Includes:
// - Log exporter statistics
// - Flush buffered rows of t_span
type BgTaskManager struct {
	bgTasks []BgTask
	source  statsSource
	olap    *olap.Olap
}

type BgTask interface {
	Start()
	Stop()
}

func NewBgTaskManager(source statsSource, o *olap.Olap, statsSchedule string) *BgTaskManager {
	m := &BgTaskManager{
		bgTasks: make([]BgTask, 0),
		source:  source,
		olap:    o,
	}
	m.addStatsTask(statsSchedule)
	if o != nil {
		m.addOlapFlushTask(config.OlapFlushSchedule)
	}
	return m
}

func (m *BgTaskManager) StartAll() {
	for _, task := range m.bgTasks {
		task.Start()
	}
}

func (m *BgTaskManager) StopAll() {
	for _, task := range m.bgTasks {
		task.Stop()
	}
}

// cronJob runs one job on its own cron scheduler.
type cronJob struct {
	name     string
	schedule string
	job      cron.Job
	c        *cron.Cron
}

func (j *cronJob) Start() {
	j.c = cron.New()
	_, err := j.c.AddJob(j.schedule, j.job)
	if err != nil {
		logrus.WithError(err).WithField("schedule", j.schedule).Warnf("SeeSpan couldn't add %s task", j.name)
		j.c = nil
		return
	}
	j.c.Start()
}

// Stop waits for a running job to return.
func (j *cronJob) Stop() {
	if j.c == nil {
		return
	}
	<-j.c.Stop().Done()
	j.c = nil
}
