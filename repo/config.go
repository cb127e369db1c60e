package repo

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/natefinch/lumberjack"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("REPO")

const (
	defaultConfigFilename = "obmail.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "obmail.log"

	defaultPoWTarget        = "00000fffffffffffffffffffffffffffffffffff"
	defaultFetchIntervalSec = 120
)

var (
	defaultHomeDir    = btcutil.AppDataDir("obmail", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)

	fileLogFormat   = logging.MustStringFormatter(`%{time:2006-01-02T15:04:05} [%{level}] [%{module}] %{message}`)
	stdoutLogFormat = logging.MustStringFormatter(`%{color:reset}%{color}%{time:15:04:05.000} [%{level}] [%{module}] %{message}`)
)

// Config defines the configuration options for the mail client.
//
// See LoadConfig for details on the configuration load process.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	LogLevel   string `short:"l" long:"loglevel" description:"set the logging level [debug, info, notice, warning, error, critical]" default:"info"`

	MailServers      []string `long:"mailserver" description:"A default mail server (host:port) to fall back on when directory resolution returns none"`
	PoWTarget        string   `long:"powtarget" description:"The 20-byte (40 hex char) proof-of-work target a message id must hash below" default:"00000fffffffffffffffffffffffffffffffffff"`
	FetchIntervalSec int      `long:"fetchinterval" description:"How often, in seconds, to poll mail servers for new mail" default:"120"`
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
//
// The above results in the mail client functioning properly without any
// config settings while still allowing the user to override settings with
// config files and command line options. Command line options always take
// precedence.
func LoadConfig() (*Config, []string, error) {
	cfg := Config{
		DataDir:          defaultHomeDir,
		ConfigFile:       defaultConfigFile,
		LogDir:           defaultLogDir,
		PoWTarget:        defaultPoWTarget,
		FetchIntervalSec: defaultFetchIntervalSec,
	}

	preCfg := cfg
	preParser := flags.NewParser(&cfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil, nil, err
		}
	}

	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfigFile(preCfg.ConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config file: %v\n", err)
		}
	}

	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
			return nil, nil, err
		}
		configFileError = err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)

	setupLogging(cfg.LogDir, cfg.LogLevel)

	if configFileError != nil {
		log.Warningf("%v", configFileError)
	}
	return &cfg, nil, nil
}

// defaultConfigTemplate is written to disk the first time the client is
// run in a data directory with no config file present.
const defaultConfigTemplate = `[Application Options]

; Directory to store data
; datadir=~/.obmail

; Directory to log output
; logdir=~/.obmail/logs

; Logging level: debug, info, notice, warning, error, critical
; loglevel=info

; A default mail server to fall back on when directory resolution
; returns none. May be specified multiple times.
; mailserver=mail.example.com:8181

; The proof-of-work target a message id must hash below, as 40 hex chars
; powtarget=00000fffffffffffffffffffffffffffffffffff

; How often, in seconds, to poll mail servers for new mail
; fetchinterval=120
`

func createDefaultConfigFile(destinationPath string) error {
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0700); err != nil {
		return err
	}
	dest, err := os.OpenFile(destinationPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = dest.WriteString(defaultConfigTemplate)
	return err
}

// cleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: os.ExpandEnv doesn't work with Windows-style %VARIABLE%, but
	// the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

func setupLogging(logDir, logLevel string) {
	backendStdout := logging.NewLogBackend(os.Stdout, "", 0)
	backendStdoutFormatter := logging.NewBackendFormatter(backendStdout, stdoutLogFormat)

	if logDir != "" {
		rotator := &lumberjack.Logger{
			Filename:   path.Join(logDir, defaultLogFilename),
			MaxSize:    10, // Megabytes
			MaxBackups: 3,
			MaxAge:     30, // Days
		}

		backendFile := logging.NewLogBackend(rotator, "", 0)
		backendFileFormatter := logging.NewBackendFormatter(backendFile, fileLogFormat)
		logging.SetBackend(backendStdoutFormatter, backendFileFormatter)
	} else {
		logging.SetBackend(backendStdoutFormatter)
	}

	var level logging.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = logging.DEBUG
	case "info":
		level = logging.INFO
	case "notice":
		level = logging.NOTICE
	case "warning":
		level = logging.WARNING
	case "error":
		level = logging.ERROR
	case "critical":
		level = logging.CRITICAL
	default:
		level = logging.INFO
	}
	logging.SetLevel(level, "")
}
