// Package adhoc announces this instance to a service registry with a
// periodic heartbeat, so a front proxy can find live analysis servers.
package adhoc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"DendroDetServer/logger"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id               string `json:"id"`
	IP               string `json:"ip"`
	Port             int    `json:"port"`
	GRPCPort         int    `json:"grpcPort"`
	InferenceEnabled bool   `json:"inferenceEnabled"`
	TimeStamp        int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type Instance struct {
	IP               string
	Port             int
	GRPCPort         int
	InferenceEnabled bool
}

type Heartbeat struct {
	id       string
	url      string
	interval time.Duration
	instance Instance
	client   *resty.Client
}

func NewHeartbeat(registryHost string, registryPort int, interval time.Duration, inst Instance) *Heartbeat {
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	return &Heartbeat{
		id:       uuid.NewString(),
		url:      fmt.Sprintf("http://%s:%d/api/register", registryHost, registryPort),
		interval: interval,
		instance: inst,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
	}
}

func (h *Heartbeat) ID() string { return h.id }

// Send posts one registration. Errors are returned, never panicked.
func (h *Heartbeat) Send(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic: %v", r)
		}
	}()
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(RegisterRequest{
			Id:               h.id,
			IP:               h.instance.IP,
			Port:             h.instance.Port,
			GRPCPort:         h.instance.GRPCPort,
			InferenceEnabled: h.instance.InferenceEnabled,
			TimeStamp:        time.Now().Unix(),
		}).
		SetResult(&respBody).
		Post(h.url)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("registry returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registry rejected instance %s", h.id)
	}
	return nil
}

// Run sends immediately and then every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Send(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Warn("registry heartbeat failed", zap.String("url", h.url), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			logger.Log().Info("registry heartbeat stopped")
			return
		case <-ticker.C:
		}
	}
}

// GetOutboundIP returns the local address used for outbound traffic. No
// packets are sent; UDP dial only resolves the route.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
