// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"fleetupdate/internal/jobstore"
	"fleetupdate/pkg/fleet"
)

// updateCmd groups the operator controls that stand in for the
// out-of-scope job-intake system: enough to enqueue, cancel and
// resume a rolling update job directly against the Job Store.
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Enqueue, cancel or resume a rolling update job",
}

func init() {
	updateCmd.AddCommand(updateRunCmd)
	updateCmd.AddCommand(updateCancelCmd)
	updateCmd.AddCommand(updateResumeCmd)

	updateRunCmd.Flags().String("cluster", "", "Cluster name to update (mutually exclusive with --server)")
	updateRunCmd.Flags().StringSlice("server", nil, "Server ID to update, repeatable (mutually exclusive with --cluster)")
	updateRunCmd.Flags().StringSlice("host", nil, "Host descriptor server_id,bmc_address,username,password,vendor[,hypervisor_handle], repeatable")
	updateRunCmd.Flags().String("firmware-source", "dell_online_catalog", "dell_online_catalog|local_repository|manual")
	updateRunCmd.Flags().String("dell-catalog-url", "", "Override catalog URL for dell_online_catalog")
	updateRunCmd.Flags().String("firmware-uri", "", "Firmware package URI for local_repository/manual")
	updateRunCmd.Flags().Bool("auto-power-off", false, "Automatically power off blocking VMs to clear maintenance blockers")
	updateRunCmd.Flags().Bool("continue-on-failure", false, "Continue the rolling update past a failed host")
	updateRunCmd.Flags().String("db-path", defaultServeConfig().DBPath, "SQLite job store path (env FLEET_DB_PATH)")
	updateRunCmd.Flags().String("encryption-key", "", "BMC password encryption passphrase (env FLEET_ENCRYPTION_KEY)")

	updateCancelCmd.Flags().Bool("graceful", false, "Request a graceful cancel (finish the current host, then stop)")
	updateCancelCmd.Flags().String("db-path", defaultServeConfig().DBPath, "SQLite job store path (env FLEET_DB_PATH)")
	updateCancelCmd.Flags().String("encryption-key", "", "BMC password encryption passphrase (env FLEET_ENCRYPTION_KEY)")

	updateResumeCmd.Flags().String("db-path", defaultServeConfig().DBPath, "SQLite job store path (env FLEET_DB_PATH)")
	updateResumeCmd.Flags().String("encryption-key", "", "BMC password encryption passphrase (env FLEET_ENCRYPTION_KEY)")
}

func openStoreForCmd(cmd *cobra.Command) (*jobstore.Store, func(), error) {
	dbPath, _ := cmd.Flags().GetString("db-path")
	if !cmd.Flags().Changed("db-path") || dbPath == "" {
		dbPath = getenv("FLEET_DB_PATH", defaultServeConfig().DBPath)
	}
	key, _ := cmd.Flags().GetString("encryption-key")
	if key == "" {
		key = getenv("FLEET_ENCRYPTION_KEY", "")
	}
	if key == "" {
		key = insecureDefaultEncryptionKey
	}
	store, err := jobstore.Open(context.Background(), dbPath, key)
	if err != nil {
		return nil, nil, fmt.Errorf("open job store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

// parseHostDescriptor parses server_id,bmc_address,username,password,
// vendor[,hypervisor_handle[,management_address[,fallback_ip]]].
func parseHostDescriptor(s string) (fleet.TargetHost, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 5 {
		return fleet.TargetHost{}, fmt.Errorf("host descriptor %q: need at least server_id,bmc_address,username,password,vendor", s)
	}
	h := fleet.TargetHost{
		ServerID:    strings.TrimSpace(parts[0]),
		BMCAddress:  strings.TrimSpace(parts[1]),
		BMCUsername: strings.TrimSpace(parts[2]),
		BMCPassword: strings.TrimSpace(parts[3]),
		Vendor:      strings.TrimSpace(parts[4]),
	}
	if len(parts) > 5 {
		h.HypervisorHandle = strings.TrimSpace(parts[5])
	}
	if len(parts) > 6 {
		h.ManagementAddress = strings.TrimSpace(parts[6])
	}
	if len(parts) > 7 {
		h.FallbackIP = strings.TrimSpace(parts[7])
	}
	return h, nil
}

var updateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Enqueue a rolling_cluster_update job",
	RunE: func(cmd *cobra.Command, args []string) error {
		cluster, _ := cmd.Flags().GetString("cluster")
		servers, _ := cmd.Flags().GetStringSlice("server")
		hostDescriptors, _ := cmd.Flags().GetStringSlice("host")
		firmwareSource, _ := cmd.Flags().GetString("firmware-source")
		catalogURL, _ := cmd.Flags().GetString("dell-catalog-url")
		firmwareURI, _ := cmd.Flags().GetString("firmware-uri")
		autoPowerOff, _ := cmd.Flags().GetBool("auto-power-off")
		continueOnFailure, _ := cmd.Flags().GetBool("continue-on-failure")

		if cluster == "" && len(servers) == 0 {
			return fmt.Errorf("one of --cluster or --server is required")
		}
		if len(hostDescriptors) == 0 {
			return fmt.Errorf("at least one --host descriptor is required to seed the target set")
		}

		hosts := make([]fleet.TargetHost, 0, len(hostDescriptors))
		for _, d := range hostDescriptors {
			h, err := parseHostDescriptor(d)
			if err != nil {
				return err
			}
			hosts = append(hosts, h)
		}

		scope := fleet.TargetScope{Kind: fleet.ScopeServers, ServerIDs: servers}
		if cluster != "" {
			scope = fleet.TargetScope{Kind: fleet.ScopeCluster, Cluster: cluster}
		}

		details := fleet.Details{
			"firmware_source":     firmwareSource,
			"auto_power_off_enabled": autoPowerOff,
			"continue_on_failure": continueOnFailure,
		}
		if catalogURL != "" {
			details["dell_catalog_url"] = catalogURL
		}
		if firmwareURI != "" {
			details["firmware_uri"] = firmwareURI
		}

		store, closeFn, err := openStoreForCmd(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		job := fleet.NewJob(uuid.NewString(), scope, "fleet-update-engine update run", details)
		if err := store.InsertJob(cmd.Context(), job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := store.ReplaceHosts(cmd.Context(), job.ID, hosts); err != nil {
			return fmt.Errorf("replace hosts: %w", err)
		}

		fmt.Println(job.ID)
		return nil
	},
}

var updateCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job, hard or graceful",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		graceful, _ := cmd.Flags().GetBool("graceful")

		store, closeFn, err := openStoreForCmd(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if graceful {
			if err := store.MergeJobDetails(cmd.Context(), jobID, fleet.Details{"graceful_cancel": true}); err != nil {
				return fmt.Errorf("set graceful_cancel: %w", err)
			}
			fmt.Printf("graceful cancel requested for %s\n", jobID)
			return nil
		}

		if err := store.UpdateJobStatus(cmd.Context(), jobID, fleet.JobCancelled); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		fmt.Printf("job %s marked cancelled\n", jobID)
		return nil
	},
}

var updateResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]

		store, closeFn, err := openStoreForCmd(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		job, err := store.GetJobByID(cmd.Context(), jobID)
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if job.Status != fleet.JobPaused {
			return fmt.Errorf("job %s is %s, not paused", jobID, job.Status)
		}
		if err := store.UpdateJobStatus(cmd.Context(), jobID, fleet.JobPending); err != nil {
			return fmt.Errorf("resume job: %w", err)
		}
		fmt.Printf("job %s re-queued, the serve poller will pick it up\n", jobID)
		return nil
	},
}
