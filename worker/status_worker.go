package worker

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"clinicrm/models"
	"clinicrm/utils"
)

// StatusWorker periodically reconciles instance records against live provider
// state. Webhook connection.update events drive most transitions; the worker
// catches up instances whose events were lost (provider restarts, missed
// deliveries) so a tenant stuck in pending eventually converges.
type StatusWorker struct {
	DB     *gorm.DB
	Evo    utils.EvolutionAPI
	Logger *log.Logger

	Interval time.Duration
}

func NewStatusWorker(db *gorm.DB, evo utils.EvolutionAPI, logger *log.Logger) *StatusWorker {
	return &StatusWorker{
		DB:       db,
		Evo:      evo,
		Logger:   logger,
		Interval: 45 * time.Second,
	}
}

func (sw *StatusWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	select {
	case <-ctx.Done():
		return
	case <-time.After(10 * time.Second):
	}

	sw.Logger.Println("Status worker started")

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.Logger.Println("Status worker shutting down...")
			return
		case <-ticker.C:
			sw.reconcileAll(ctx)
		}
	}
}

// reconcileAll polls provider state for every instance that is not settled in
// disconnected. Connected instances are included so a silent provider-side
// drop is noticed.
func (sw *StatusWorker) reconcileAll(ctx context.Context) {
	var instances []models.EvolutionInstance
	err := sw.DB.Where("status IN ?", []string{
		models.InstanceStatusPending,
		models.InstanceStatusConnected,
	}).Find(&instances).Error
	if err != nil {
		sw.Logger.Printf("Error fetching instances for reconciliation: %v", err)
		return
	}

	for i := range instances {
		if ctx.Err() != nil {
			return
		}
		if err := sw.reconcile(ctx, &instances[i]); err != nil {
			sw.Logger.Printf("Error reconciling instance %s: %v", instances[i].InstanceID, err)
		}
	}
}

func (sw *StatusWorker) reconcile(ctx context.Context, instance *models.EvolutionInstance) error {
	state, err := sw.Evo.GetState(ctx, instance.InstanceID)
	if err != nil {
		if utils.IsEvolutionNotFound(err) {
			// Gone on the provider: settle locally as disconnected
			instance.Status = models.InstanceStatusDisconnected
			instance.ConnectedAt = nil
			instance.MergeMetadata(map[string]interface{}{
				"lastState": "not_found",
				"stateAt":   time.Now().UTC().Format(time.RFC3339),
			})
			return sw.DB.Save(instance).Error
		}
		return err
	}

	status := models.ClassifyState(state.State)
	if status == instance.Status {
		return nil
	}

	sw.Logger.Printf("Instance %s: %s -> %s (provider state %q)",
		instance.InstanceID, instance.Status, status, state.State)

	instance.Status = status
	if status == models.InstanceStatusConnected {
		if instance.ConnectedAt == nil {
			instance.ConnectedAt = utils.Pointer(time.Now().UTC())
		}
	} else {
		instance.ConnectedAt = nil
	}
	instance.MergeMetadata(map[string]interface{}{
		"lastState": state.State,
		"stateAt":   time.Now().UTC().Format(time.RFC3339),
	})
	return sw.DB.Save(instance).Error
}
