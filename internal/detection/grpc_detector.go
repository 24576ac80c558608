package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"hazardwatch/internal/pipeline"
)

const (
	// DetectServiceName is the gRPC service the detector talks to
	DetectServiceName = "hazardwatch.detection.v1.DetectionService"
	detectMethod      = "/" + DetectServiceName + "/Detect"
)

// GRPCDetector runs detection through a unary gRPC call. Requests and
// responses are google.protobuf.Struct messages, so no generated stubs are
// needed on either side.
type GRPCDetector struct {
	endpoint      string
	conn          *grpc.ClientConn
	health        healthpb.HealthClient
	confThreshold float32
	timeout       time.Duration

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint      string
	ConfThreshold float32
	Timeout       time.Duration
}

// NewGRPCDetector creates a gRPC detector. The connection is established lazily.
func NewGRPCDetector(cfg GRPCDetectorConfig, opts ...grpc.DialOption) (*GRPCDetector, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GRPCDetector{
		endpoint:      cfg.Endpoint,
		conn:          conn,
		health:        healthpb.NewHealthClient(conn),
		confThreshold: cfg.ConfThreshold,
		timeout:       timeout,
	}, nil
}

// Name implements pipeline.Detector
func (gd *GRPCDetector) Name() string { return "grpc" }

// IsHealthy asks the standard gRPC health service about the detection service
func (gd *GRPCDetector) IsHealthy(ctx context.Context) bool {
	gd.healthMu.RLock()
	if time.Since(gd.lastHealth) < healthCacheTTL {
		healthy := gd.healthy
		gd.healthMu.RUnlock()
		return healthy
	}
	gd.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{Service: DetectServiceName})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING

	gd.healthMu.Lock()
	gd.healthy = healthy
	gd.lastHealth = time.Now()
	gd.healthMu.Unlock()
	return healthy
}

// Detect sends one frame and converts the returned detections
func (gd *GRPCDetector) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Prediction, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"camera_id":      frame.CameraID,
		"frame_seq":      float64(frame.Seq),
		"timestamp_ns":   float64(frame.Timestamp.UnixNano()),
		"jpeg":           base64.StdEncoding.EncodeToString(frame.Data),
		"conf_threshold": float64(gd.confThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("detect rpc: %w", err)
	}
	return convertStruct(resp), nil
}

// convertStruct reads {"detections": [{"class", "confidence", "bbox": [x1,y1,x2,y2]}]}
func convertStruct(resp *structpb.Struct) []pipeline.Prediction {
	items := resp.GetFields()["detections"].GetListValue().GetValues()
	preds := make([]pipeline.Prediction, 0, len(items))
	for _, item := range items {
		fields := item.GetStructValue().GetFields()
		p := pipeline.Prediction{
			Class:      fields["class"].GetStringValue(),
			Confidence: float32(fields["confidence"].GetNumberValue()),
		}
		if box := fields["bbox"].GetListValue().GetValues(); len(box) == 4 {
			p.BBox = &pipeline.BBox{
				X1: float32(box[0].GetNumberValue()),
				Y1: float32(box[1].GetNumberValue()),
				X2: float32(box[2].GetNumberValue()),
				Y2: float32(box[3].GetNumberValue()),
			}
		}
		if p.Class != "" {
			preds = append(preds, p)
		}
	}
	return preds
}

// Close shuts down the gRPC connection
func (gd *GRPCDetector) Close() error {
	return gd.conn.Close()
}

var _ pipeline.Detector = (*GRPCDetector)(nil)
