package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsUpstream int64
	errorsGateway  int64
	warnsUpstream  int64
	warnsGateway   int64
	upstreamFrames int64
	pollReads      int64
	broadcastsSent int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if isUpstreamComponent(component) {
		atomic.AddInt64(&warnsUpstream, 1)
	} else if isGatewayComponent(component) {
		atomic.AddInt64(&warnsGateway, 1)
	}
}

func recordError(component string) {
	if isUpstreamComponent(component) {
		atomic.AddInt64(&errorsUpstream, 1)
	} else if isGatewayComponent(component) {
		atomic.AddInt64(&errorsGateway, 1)
	}
}

func isUpstreamComponent(component string) bool {
	return strings.Contains(component, "kis") ||
		strings.Contains(component, "feed") ||
		strings.Contains(component, "poller")
}

func isGatewayComponent(component string) bool {
	return strings.Contains(component, "gateway") ||
		strings.Contains(component, "session") ||
		strings.Contains(component, "dispatcher")
}

// IncrementUpstreamFrame records one received upstream push frame.
func IncrementUpstreamFrame(size int) {
	atomic.AddInt64(&upstreamFrames, 1)
	recordChannel("upstream_ws", size)
}

// IncrementPollRead records one completed fallback REST pull.
func IncrementPollRead(size int) {
	atomic.AddInt64(&pollReads, 1)
	recordChannel("poll_rest", size)
}

// IncrementBroadcast records one fan-out delivery attempt batch.
func IncrementBroadcast(size int) {
	atomic.AddInt64(&broadcastsSent, 1)
	recordChannel("broadcast", size)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_upstream": atomic.LoadInt64(&errorsUpstream),
		"errors_gateway":  atomic.LoadInt64(&errorsGateway),
		"warns_upstream":  atomic.LoadInt64(&warnsUpstream),
		"warns_gateway":   atomic.LoadInt64(&warnsGateway),
		"upstream_frames": atomic.LoadInt64(&upstreamFrames),
		"poll_reads":      atomic.LoadInt64(&pollReads),
		"broadcasts":      atomic.LoadInt64(&broadcastsSent),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsUpstream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_upstream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsGateway"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_gateway"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsUpstream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_upstream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsGateway"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_gateway"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("UpstreamFrames"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["upstream_frames"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PollReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["poll_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Broadcasts"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["broadcasts"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
