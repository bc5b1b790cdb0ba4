// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"log/slog"

	ilog "github.com/itempass/workflowengine/internal/log"
)

// Sweep transitions every instance left in `running` status to `failed`
// with an "interrupted" reason. It must run once at process startup,
// before any Runner.Run call: a running instance found at boot means the
// previous process died mid-execution, and nothing else will ever resume
// it, since cancellation and resumption are both cooperative and driven by
// the same process that started the run.
func Sweep(ctx context.Context, store Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	instances, err := store.ListWorkflowInstances(ctx, InstanceRunning)
	if err != nil {
		return err
	}

	for _, instance := range instances {
		if err := instance.Transition(InstanceFailed, "interrupted: process restarted while instance was running"); err != nil {
			logger.Warn("sweep could not transition instance", ilog.InstanceIDKey, instance.UUID, "error", err)
			continue
		}
		if err := store.UpdateWorkflowInstance(ctx, instance); err != nil {
			logger.Warn("sweep could not persist instance", ilog.InstanceIDKey, instance.UUID, "error", err)
			continue
		}
		logger.Info("swept interrupted instance", ilog.InstanceIDKey, instance.UUID, ilog.StatusKey, string(instance.Status))
	}

	return nil
}
