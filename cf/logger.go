package cf

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const (
	maxLogSize  = 10 * 1024 * 1024 // 10MB
	maxLogFiles = 3
	logFileName = "challengeDebug.log"
)

var (
	debugLogger *log.Logger
	debugFile   *os.File
	debugMutex  sync.Mutex
	debugSize   int64
	debugDir    string
)

// InitDebugLog opens the rotating challenge-forensics log. Optional: when it
// is never called, logCF is a no-op and only the regular process log is
// written.
func InitDebugLog(configDir string) error {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugDir = configDir
	logPath := filepath.Join(configDir, logFileName)

	if info, err := os.Stat(logPath); err == nil {
		debugSize = info.Size()
		if debugSize >= maxLogSize {
			if err := rotateLogs(); err != nil {
				return fmt.Errorf("failed to rotate challenge logs: %w", err)
			}
			debugSize = 0
		}
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open challenge log file: %w", err)
	}

	debugFile = file
	debugLogger = log.New(file, "", log.LstdFlags|log.Lmicroseconds)
	logCFLocked("=== challenge debug log initialized ===")
	return nil
}

// CloseDebugLog closes the log file handle.
func CloseDebugLog() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugFile != nil {
		logCFLocked("=== challenge debug log closing ===")
		debugFile.Close()
		debugFile = nil
		debugLogger = nil
	}
}

func rotateLogs() error {
	if debugFile != nil {
		debugFile.Close()
		debugFile = nil
	}

	basePath := filepath.Join(debugDir, logFileName)
	os.Remove(fmt.Sprintf("%s.%d", basePath, maxLogFiles))
	for i := maxLogFiles - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", basePath, i), fmt.Sprintf("%s.%d", basePath, i+1))
	}
	if err := os.Rename(basePath, basePath+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// logCF writes to the debug log with automatic rotation.
func logCF(format string, args ...interface{}) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	logCFLocked(format, args...)
}

func logCFLocked(format string, args ...interface{}) {
	if debugLogger == nil {
		return
	}

	message := fmt.Sprintf(format, args...)
	debugLogger.Output(2, message)
	debugSize += int64(len(message) + 50)

	if debugSize >= maxLogSize {
		if err := rotateLogs(); err != nil {
			log.Printf("[cf] failed to rotate challenge logs: %v", err)
			return
		}
		logPath := filepath.Join(debugDir, logFileName)
		file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("[cf] failed to reopen challenge log after rotation: %v", err)
			return
		}
		debugFile = file
		debugLogger = log.New(file, "", log.LstdFlags|log.Lmicroseconds)
		debugSize = 0
	}
}

// LogSolveAttempt records one scripted-browser solve for later forensics.
func LogSolveAttempt(url, mode string, success bool, finalURL string, cookieCount int) {
	logCF("solve attempt: url=%s mode=%s success=%v finalURL=%s cookies=%d",
		url, mode, success, finalURL, cookieCount)
}
