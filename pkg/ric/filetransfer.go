package ric

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	overallTransferTimeout = 600 * time.Second
	blockAckTimeout        = 15 * time.Second
	batchRetryMax          = 3
	firmwareGraceSteps     = 5
	firmwareGraceStep      = time.Second
	ufStartTimeout         = 10 * time.Second
	ufEndTimeout           = 5 * time.Second
)

// ProgressFn is invoked with (bytesDone, totalBytes) as a transfer
// proceeds; returning false aborts the transfer with a cancel handshake.
type ProgressFn func(bytesDone, totalBytes int) bool

// SendFileOpts configures an outbound file transfer.
type SendFileOpts struct {
	// FileDest is the device-side destination ("fs" for the file
	// system, "ricfw" for a firmware update).
	FileDest string
	// ReqStr overrides the request kind; derived from FileDest when
	// empty.
	ReqStr   string
	Progress ProgressFn
}

// ReceiveFileOpts configures an inbound file transfer.
type ReceiveFileOpts struct {
	// FileSrc is the device-side source the file is pulled from.
	FileSrc string
	ReqStr  string
	// BridgePort, when set, routes the transfer over a command-serial
	// bridge to an accessory on that port (torn down on every exit).
	BridgePort string
	BridgeName string
	Progress   ProgressFn
}

// FileTransfer runs windowed file send and receive sessions over a
// Dispatcher, driven by the device's okto acknowledgments.
type FileTransfer struct {
	d      *Dispatcher
	logger *zap.Logger

	mu         sync.Mutex
	sendFailed bool
	failReason string
	otaStartOK bool
	okTo       int
	newOkTo    bool
	recvBlock  []byte
	recvPos    int

	// Tunables, overridable in tests.
	ackTimeout     time.Duration
	ackPollStep    time.Duration
	overallTimeout time.Duration
	retryMax       int

	uploadRate *ValueAverager
}

// NewFileTransfer creates a transfer engine bound to the dispatcher.
// Only one send and one receive session may run at a time.
func NewFileTransfer(d *Dispatcher, logger *zap.Logger) *FileTransfer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ft := &FileTransfer{
		d:              d,
		logger:         logger,
		ackTimeout:     blockAckTimeout,
		ackPollStep:    time.Second,
		overallTimeout: overallTransferTimeout,
		retryMax:       batchRetryMax,
		uploadRate:     NewValueAverager(10),
	}
	d.setFileSink(ft)
	return ft
}

// UploadBytesPerSec returns the smoothed upload rate of recent batches.
func (ft *FileTransfer) UploadBytesPerSec() float64 { return ft.uploadRate.Avg() }

// SendFile uploads data to the device. Firmware uploads (FileDest
// "ricfw") get a grace period after the start handshake because the
// device blocks while preparing the update.
func (ft *FileTransfer) SendFile(data []byte, fileName string, opts SendFileOpts) error {
	isFirmware := opts.FileDest == "ricfw"
	if opts.FileDest == "" {
		opts.FileDest = "fs"
	}
	reqStr := opts.ReqStr
	if reqStr == "" {
		if isFirmware {
			reqStr = "espfwupdate"
		} else {
			reqStr = "fileupload"
		}
	}
	uploadName := fileName
	if isFirmware {
		uploadName = "fw"
	}

	ft.mu.Lock()
	ft.sendFailed = false
	ft.failReason = ""
	ft.otaStartOK = false
	ft.okTo = 0
	ft.mu.Unlock()

	xferID := uuid.NewString()
	params := ft.d.Transport().TransferParams()
	ft.logger.Info("file send starting",
		zap.String("xferID", xferID),
		zap.String("fileName", uploadName),
		zap.Int("fileLen", len(data)),
		zap.String("fileDest", opts.FileDest))

	startReq := fmt.Sprintf(`{"cmdName":"ufStart","reqStr":"%s","fileType":"%s",`+
		`"batchMsgSize":%d,"batchAckSize":%d,"fileName":"%s","fileLen":%d}`,
		reqStr, opts.FileDest, params.BlockMaxSize, params.BatchAckSize, uploadName, len(data))
	resp := ft.d.CmdFrameSync(startReq, ufStartTimeout)
	if !resp.OK() {
		return handshakeError("ufStart", resp)
	}
	blockMaxSize := resp.Int("batchMsgSize", params.BlockMaxSize)
	batchAckSize := resp.Int("batchAckSize", 50)

	if aborted, err := ft.sendProgressCheck(opts.Progress, 0, len(data)); aborted {
		return err
	}

	if isFirmware {
		// The device is unresponsive while erasing flash for the update.
		for i := 0; i < firmwareGraceSteps; i++ {
			time.Sleep(firmwareGraceStep)
			if aborted, err := ft.sendProgressCheck(opts.Progress, 0, len(data)); aborted {
				return err
			}
			ft.mu.Lock()
			started := ft.otaStartOK
			ft.mu.Unlock()
			if started {
				break
			}
		}
	}

	numBlocks := 0
	batchRetryCount := 0
	sendStart := time.Now()
	for {
		if time.Since(sendStart) > ft.overallTimeout {
			return &TransferError{Stage: "send", Reason: ReasonFailTimeout}
		}
		ft.mu.Lock()
		okTo := ft.okTo
		ft.newOkTo = false
		ft.mu.Unlock()
		if okTo >= len(data) {
			break
		}

		// The first batch is always a single block: the device performs
		// a blocking operation right after the first bytes of some
		// transfer types.
		batchStartPos := okTo
		batchStartTime := time.Now()
		batchSize := batchAckSize
		if batchStartPos == 0 {
			batchSize = 1
		}
		sendFromPos := batchStartPos
		for i := 0; i < batchSize && sendFromPos < len(data); i++ {
			blockEnd := sendFromPos + blockMaxSize
			if blockEnd > len(data) {
				blockEnd = len(data)
			}
			block := make([]byte, 4, 4+blockEnd-sendFromPos)
			binary.BigEndian.PutUint32(block, uint32(sendFromPos))
			block = append(block, data[sendFromPos:blockEnd]...)
			if err := ft.d.SendFileBlock(block); err != nil {
				return &TransferError{Stage: "block send", Reason: err.Error()}
			}
			sendFromPos = blockEnd
			numBlocks++

			ft.mu.Lock()
			failed := ft.sendFailed
			ft.mu.Unlock()
			if failed {
				break
			}
		}

		// Wait for the okto position to advance past the batch start.
		waitStart := time.Now()
		for time.Since(waitStart) < ft.ackTimeout {
			if aborted, err := ft.sendProgressCheck(opts.Progress, ft.ackedTo(), len(data)); aborted {
				return err
			}
			ft.mu.Lock()
			gotNew := ft.newOkTo
			okTo = ft.okTo
			ft.mu.Unlock()
			if gotNew {
				batchRetryCount = 0
				if okTo > batchStartPos {
					elapsed := time.Since(batchStartTime).Seconds()
					if elapsed > 0 {
						ft.uploadRate.Add(float64(okTo-batchStartPos) / elapsed)
					}
				}
				break
			}
			time.Sleep(ft.ackPollStep)
		}

		ft.mu.Lock()
		stagnant := ft.okTo <= batchStartPos
		ft.mu.Unlock()
		if stagnant {
			batchRetryCount++
			if batchRetryCount > ft.retryMax {
				return &TransferError{Stage: "block ack", Reason: ReasonFailRetries}
			}
		}
	}

	endReq := fmt.Sprintf(`{"cmdName":"ufEnd","reqStr":"fileupload","fileType":"%s",`+
		`"fileName":"%s","fileLen":%d,"blockCount":%d}`,
		opts.FileDest, uploadName, len(data), numBlocks)
	resp = ft.d.CmdFrameSync(endReq, ufEndTimeout)
	if !resp.OK() {
		return handshakeError("ufEnd", resp)
	}
	ft.logger.Info("file send complete",
		zap.String("xferID", xferID), zap.Int("blocks", numBlocks))
	return nil
}

func (ft *FileTransfer) ackedTo() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.okTo
}

// sendProgressCheck reports device-side failure or a progress callback
// abort. An abort sends the cancel handshake.
func (ft *FileTransfer) sendProgressCheck(progress ProgressFn, done, total int) (bool, error) {
	ft.mu.Lock()
	failed, reason := ft.sendFailed, ft.failReason
	ft.mu.Unlock()
	if failed {
		return true, &TransferError{Stage: "device", Reason: reason}
	}
	if progress == nil {
		return false, nil
	}
	if !progress(done, total) {
		ft.d.CmdFrameSync(`{"cmdName":"ufCancel"}`, 0)
		return true, &TransferError{Stage: "progress", Reason: ReasonUserCancel}
	}
	return false, nil
}

// ReceiveFile pulls a file from the device, acknowledging blocks in the
// negotiated batch granularity. Out-of-order or duplicate blocks are
// ignored; only the expected next position is accepted.
func (ft *FileTransfer) ReceiveFile(fileName string, opts ReceiveFileOpts) ([]byte, error) {
	params := ft.d.Transport().TransferParams()
	blockMaxSize := params.BlockMaxSize
	batchAckSize := params.BatchAckSize

	bridgeID := -1
	if opts.BridgePort != "" {
		resp := ft.d.URLSync(fmt.Sprintf("commandserial/bridge/setup?port=%s&name=%s",
			opts.BridgePort, opts.BridgeName))
		if !resp.OK() {
			return nil, handshakeError("bridge setup", resp)
		}
		bridgeID = resp.Int("bridgeID", 0)
	}
	defer ft.removeBridge(&bridgeID)

	ft.mu.Lock()
	ft.recvBlock = nil
	ft.recvPos = 0
	ft.mu.Unlock()

	xferID := uuid.NewString()
	startReq := fmt.Sprintf(`{"cmdName":"dfStart","reqStr":"%s","fileType":"%s",`+
		`"batchMsgSize":%d,"batchAckSize":%d,"fileName":"%s"}`,
		opts.ReqStr, opts.FileSrc, blockMaxSize, batchAckSize, fileName)
	resp := ft.d.CmdFrameSyncBridged(startReq, bridgeID, ufStartTimeout)
	if !resp.OK() {
		return nil, handshakeError("dfStart", resp)
	}
	fileLen := resp.Int("fileLen", 0)
	streamID := resp.Int("streamID", 0)
	ft.logger.Info("file receive starting",
		zap.String("xferID", xferID),
		zap.String("fileName", fileName),
		zap.Int("fileLen", fileLen),
		zap.Int("streamID", streamID))

	contents := make([]byte, 0, fileLen)
	blockPos := 0
	lastProgressPos := -1
	startTime := time.Now()
	lastBlockTime := time.Now()
	ackRetryCount := 0
	blocksSinceAck := 0
	for {
		if time.Since(startTime) > ft.overallTimeout {
			return nil, &TransferError{Stage: "receive", Reason: ReasonFailTimeout}
		}
		if time.Since(lastBlockTime) > ft.ackTimeout {
			ackRetryCount++
			if ackRetryCount > ft.retryMax {
				return nil, &TransferError{Stage: "block receive", Reason: ReasonFailRetries}
			}
			// Re-send the acknowledgment in case it was dropped.
			ft.d.SendCmdFrameBridged(dfAckJSON(blockPos, streamID), bridgeID)
			lastBlockTime = time.Now()
			continue
		}

		// Snapshot and clear before acknowledging: the device may push
		// the next block as soon as the ack lands.
		ft.mu.Lock()
		block := ft.recvBlock
		blockRxPos := ft.recvPos
		ft.recvBlock = nil
		ft.mu.Unlock()
		if len(block) > 0 && blockRxPos == blockPos {
			ackRetryCount = 0
			contents = append(contents, block...)
			blockPos += len(block)
			lastBlockTime = time.Now()
			blocksSinceAck++
			if blocksSinceAck >= batchAckSize || blockPos >= fileLen {
				ft.d.SendCmdFrameBridged(dfAckJSON(blockPos, streamID), bridgeID)
				blocksSinceAck = 0
			}
		}

		if blockPos >= fileLen {
			if opts.Progress != nil {
				opts.Progress(fileLen, fileLen)
			}
			ft.d.SendCmdFrameBridged(fmt.Sprintf(
				`{"cmdName":"dfEnd","okto":%d,"streamID":%d,"rslt":"ok"}`,
				blockPos, streamID), bridgeID)
			break
		}

		if opts.Progress != nil && blockPos != lastProgressPos {
			lastProgressPos = blockPos
			if !opts.Progress(blockPos, fileLen) {
				ft.d.SendCmdFrameBridged(fmt.Sprintf(
					`{"cmdName":"dfCancel","streamID":%d}`, streamID), bridgeID)
				return nil, &TransferError{Stage: "progress", Reason: ReasonUserCancel}
			}
		}
		time.Sleep(syncPollInterval)
	}

	ft.logger.Info("file receive complete",
		zap.String("xferID", xferID), zap.Int("bytes", len(contents)))
	return contents, nil
}

func dfAckJSON(okto, streamID int) string {
	return fmt.Sprintf(`{"cmdName":"dfAck","okto":%d,"streamID":%d,"rslt":"ok"}`, okto, streamID)
}

// removeBridge tears down a command-serial bridge. Run on every receive
// exit path.
func (ft *FileTransfer) removeBridge(bridgeID *int) {
	if *bridgeID < 0 {
		return
	}
	ft.d.URLSync(fmt.Sprintf("commandserial/bridge/remove?bridgeID=%d", *bridgeID))
	*bridgeID = -1
}

// onOkto records a new acknowledged position from the device.
func (ft *FileTransfer) onOkto(okto int) {
	ft.mu.Lock()
	if okto > ft.okTo {
		ft.okTo = okto
	}
	ft.newOkTo = true
	ft.mu.Unlock()
}

// onReason records device-reported transfer state changes.
func (ft *FileTransfer) onReason(reason string) {
	ft.mu.Lock()
	if reason == ReasonOTAStartedOK {
		ft.otaStartOK = true
	} else if isTransferFailReason(reason) {
		ft.sendFailed = true
		ft.failReason = reason
	}
	ft.mu.Unlock()
}

// onDataBlock stores the latest inbound block for the receive loop.
func (ft *FileTransfer) onDataBlock(filePos int, block []byte) {
	ft.mu.Lock()
	ft.recvBlock = append([]byte(nil), block...)
	ft.recvPos = filePos
	ft.mu.Unlock()
}
