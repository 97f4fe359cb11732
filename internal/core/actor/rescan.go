package actor

import (
	"context"
	"time"

	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
)

const RESCAN_JOB_KEY = "rescan"

// RescanJob fires trigger on a fixed interval to look for meters attached
// after startup.
type RescanJob struct {
	scheduler quartz.Scheduler
	cancel    context.CancelFunc
}

func StartRescanJob(interval time.Duration, trigger func()) (*RescanJob, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sched := quartz.NewStdScheduler()
	sched.Start(ctx)

	rescan := job.NewFunctionJob(func(_ context.Context) (bool, error) {
		trigger()
		return true, nil
	})
	err := sched.ScheduleJob(quartz.NewJobDetail(rescan, quartz.NewJobKey(RESCAN_JOB_KEY)), quartz.NewSimpleTrigger(interval))
	if err != nil {
		sched.Stop()
		cancel()
		return nil, err
	}
	return &RescanJob{scheduler: sched, cancel: cancel}, nil
}

func (j *RescanJob) Stop() {
	j.scheduler.Stop()
	j.cancel()
}
