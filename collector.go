package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// EtlLogCollector pulls run-log entries for the monitored task from the
// cloud ETL activity-log API into guardian.db, so the agent's etl_log tool
// works without hitting the vendor API on every question.
type EtlLogCollector struct {
	LoginURL string
	Username string
	Password string
	TaskName string

	client *http.Client
}

func NewEtlLogCollector(cfg Config) *EtlLogCollector {
	return &EtlLogCollector{
		LoginURL: cfg.EtlLoginURL,
		Username: cfg.EtlUsername,
		Password: cfg.EtlPassword,
		TaskName: cfg.TaskName,
		client:   externalHTTPClient,
	}
}

type etlLoginResponse struct {
	SessionID string `json:"icSessionId"`
	ServerURL string `json:"serverUrl"`
}

type etlActivityEntry struct {
	RunID             json.Number `json:"runId"`
	ObjectName        string      `json:"objectName"`
	State             json.Number `json:"state"`
	SuccessSourceRows int         `json:"successSourceRows"`
	SuccessTargetRows int         `json:"successTargetRows"`
	StartTime         string      `json:"startTime"`
	EndTime           string      `json:"endTime"`
}

func (c *EtlLogCollector) login(ctx context.Context) (etlLoginResponse, error) {
	payload, _ := json.Marshal(map[string]string{
		"@type":    "login",
		"username": c.Username,
		"password": c.Password,
	})
	url := strings.TrimRight(c.LoginURL, "/") + "/ma/api/v2/user/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return etlLoginResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return etlLoginResponse{}, fmt.Errorf("etl login: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return etlLoginResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return etlLoginResponse{}, fmt.Errorf("etl login status %d: %s", resp.StatusCode, truncateForLog(string(body), 200))
	}

	var login etlLoginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		return etlLoginResponse{}, fmt.Errorf("parsing etl login response: %w", err)
	}
	if login.SessionID == "" || login.ServerURL == "" {
		return etlLoginResponse{}, fmt.Errorf("etl login response missing session or server url")
	}
	return login, nil
}

// Collect fetches the activity log and keeps only entries for the monitored
// task.
func (c *EtlLogCollector) Collect(ctx context.Context) ([]EtlRun, error) {
	login, err := c.login(ctx)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(login.ServerURL, "/") + "/api/v2/activity/activityLog"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("icSessionId", login.SessionID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("etl activity log: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("etl activity log status %d: %s", resp.StatusCode, truncateForLog(string(body), 200))
	}

	var entries []etlActivityEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parsing etl activity log: %w", err)
	}

	var runs []EtlRun
	for _, e := range entries {
		if !strings.Contains(e.ObjectName, c.TaskName) {
			continue
		}
		runs = append(runs, EtlRun{
			RunID:      e.RunID.String(),
			ObjectName: e.ObjectName,
			Status:     e.State.String(),
			SourceRows: e.SuccessSourceRows,
			TargetRows: e.SuccessTargetRows,
			StartTime:  e.StartTime,
			EndTime:    e.EndTime,
		})
	}
	return runs, nil
}

// CollectAndStore runs one collection pass. Errors are returned for the
// caller to log; the agent falls back to whatever is already stored.
func (c *EtlLogCollector) CollectAndStore(ctx context.Context, gdb *GuardianDB) (int, error) {
	runs, err := c.Collect(ctx)
	if err != nil {
		return 0, err
	}
	inserted, err := gdb.UpsertEtlRuns(runs)
	if err != nil {
		return 0, fmt.Errorf("storing etl runs: %w", err)
	}
	log.Printf("collector fetched=%d inserted=%d", len(runs), inserted)
	return inserted, nil
}
