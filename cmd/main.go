package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	appconfig "github.com/robotical/riclink/internal/config"
	"github.com/robotical/riclink/internal/diag"
	applogger "github.com/robotical/riclink/internal/logger"
	"github.com/robotical/riclink/pkg/comms"
	serialtransport "github.com/robotical/riclink/pkg/comms/serial"
	"github.com/robotical/riclink/pkg/comms/wsock"
	"github.com/robotical/riclink/pkg/ric"
	"github.com/robotical/riclink/pkg/ric/codec"
)

func main() {
	configPath := flag.String("config", "", "path to a configuration file")
	profileName := flag.String("profile", "", "connection profile to apply")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	if *profileName != "" {
		profile, err := appconfig.ReadProfile(filepath.Join(cfg.ProfilesDir, *profileName+".yaml"))
		if err != nil {
			logger.Fatal("failed to read connection profile",
				zap.String("profile", *profileName), zap.Error(err))
		}
		appconfig.ApplyProfile(&cfg, profile)
		logger.Info("connection profile applied", zap.String("profile", profile.Name))
	}

	var transport comms.Transport
	switch cfg.Method {
	case appconfig.MethodUSB, appconfig.MethodExp:
		transport = serialtransport.New(logger)
	case appconfig.MethodWiFi:
		transport = wsock.New(logger)
	default:
		logger.Fatal("unknown connection method", zap.String("method", cfg.Method))
	}

	d := ric.NewDispatcher(transport, logger)
	hw := ric.NewHWState()
	sub := ric.NewSubscriber(d, cfg.SubscribeRateHz)
	ft := ric.NewFileTransfer(d, logger)
	ric.NewStream(d, logger)

	d.SetDecodedMsgCB(func(msg *codec.DecodedMsg) {
		if msg.Protocol == codec.ProtocolROSSerial && msg.MsgType == codec.MsgTypePublish {
			sub.NotePublish()
		}
		hw.UpdateFromMsg(msg)
	})
	d.SetLogLineCB(func(line string) {
		logger.Info("device log", zap.String("line", line))
	})
	d.SetTimerCB(sub.OnTick)
	if rc, ok := transport.(comms.Reconnectable); ok {
		rc.SetReconnectCB(sub.Resubscribe)
	}

	if err := d.Open(cfg.CommsParams()); err != nil {
		logger.Fatal("failed to open connection", zap.Error(err))
	}

	loadElemInfo(d, hw, logger)

	var diagSrv *diag.Server
	if cfg.Diag.Enabled {
		diagSrv = diag.New(cfg, logger, d, hw, ft)
		go func() {
			if err := diagSrv.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("diagnostics server error", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	sub.Stop()
	if diagSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := diagSrv.Shutdown(ctx); err != nil {
			logger.Error("diagnostics server shutdown failed", zap.Error(err))
		}
	}
	if err := d.Close(); err != nil {
		logger.Error("connection close failed", zap.Error(err))
	}
}

// loadElemInfo queries the hardware element registry so telemetry can be
// reported with element names rather than bare IDs.
func loadElemInfo(d *ric.Dispatcher, hw *ric.HWState, logger *zap.Logger) {
	resp := d.URLSync("hwstatus")
	if !resp.OK() {
		logger.Warn("hwstatus query failed", zap.String("rslt", resp.Rslt))
		return
	}
	raw, err := json.Marshal(resp.Raw["hw"])
	if err != nil {
		return
	}
	var elems []ric.ElemInfo
	if err := json.Unmarshal(raw, &elems); err != nil {
		logger.Warn("hwstatus element list malformed", zap.Error(err))
		return
	}
	hw.SetElemInfo(elems)
	logger.Info("hardware elements loaded", zap.Int("count", len(elems)))
}
