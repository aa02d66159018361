package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"unicode"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/viper"
)

const (
	badgerDb = "badger"
)

type Config struct {
	Datadir  string `mapstructure:"DATADIR" envDefault:"scambio" envInfo:"Data directory for Scambio state"`
	DbType   string `mapstructure:"DB_TYPE" envDefault:"badger" envInfo:"Database backend: badger"`
	LogLevel uint32 `mapstructure:"LOG_LEVEL" envDefault:"4" envInfo:"Log verbosity (higher = more verbose)"`

	// Identity and settlement endpoints.
	SignerKey    string `mapstructure:"SIGNER_KEY" envDefault:"" envInfo:"Hex-encoded secp256k1 private key signing envelopes"`
	BridgeURL    string `mapstructure:"BRIDGE_URL" envDefault:"" envInfo:"Sidechannel bridge websocket URL (e.g., ws://bridge:8080/ws)"`
	BridgeToken  string `mapstructure:"BRIDGE_TOKEN" envDefault:"" envInfo:"Pre-shared token authenticating the bridge connection"`
	ChainRpcURL  string `mapstructure:"CHAIN_RPC_URL" envDefault:"" envInfo:"Settlement-chain gateway HTTP endpoint"`
	ClnBin       string `mapstructure:"CLN_BIN" envDefault:"lightning-cli" envInfo:"lightning-cli invocation, wrapper prefix allowed"`
	ClnNetwork   string `mapstructure:"CLN_NETWORK" envDefault:"bitcoin" envInfo:"Lightning network: bitcoin | testnet | regtest"`
	VaultAddress string `mapstructure:"VAULT_ADDRESS" envDefault:"" envInfo:"Chain address funding escrows and receiving refunds"`
	Recipient    string `mapstructure:"RECIPIENT" envDefault:"" envInfo:"Chain address receiving escrow payouts when taking"`
	Mint         string `mapstructure:"MINT" envDefault:"" envInfo:"Default settlement-asset mint address"`

	// Fee schedule quoted by this node as maker.
	PlatformFeeBps       uint32 `mapstructure:"PLATFORM_FEE_BPS" envDefault:"0" envInfo:"Platform fee in basis points"`
	PlatformFeeCollector string `mapstructure:"PLATFORM_FEE_COLLECTOR" envDefault:"" envInfo:"Platform fee collector address"`
	TradeFeeBps          uint32 `mapstructure:"TRADE_FEE_BPS" envDefault:"0" envInfo:"Trade fee in basis points"`
	TradeFeeCollector    string `mapstructure:"TRADE_FEE_COLLECTOR" envDefault:"" envInfo:"Trade fee collector address"`

	// Channels and automation.
	RfqChannels       string `mapstructure:"RFQ_CHANNELS" envDefault:"" envInfo:"Comma-separated open channels to watch for RFQs"`
	PollIntervalSecs  uint32 `mapstructure:"POLL_INTERVAL_SECS" envDefault:"5" envInfo:"Watchdog polling interval in seconds"`
	PingCooldownSecs  uint32 `mapstructure:"PING_COOLDOWN_SECS" envDefault:"30" envInfo:"Cooldown between membership pings"`
	MaxPings          uint32 `mapstructure:"MAX_PINGS" envDefault:"3" envInfo:"Ping budget while waiting on a counterparty"`
	MaxWaitSecs       uint32 `mapstructure:"MAX_WAIT_SECS" envDefault:"600" envInfo:"Max wait on a silent counterparty before leaving"`
	LeaveOnTimeout    bool   `mapstructure:"LEAVE_ON_TIMEOUT" envDefault:"true" envInfo:"Leave the swap channel when the wait budget is spent"`
	PayRetrySecs      uint32 `mapstructure:"PAY_RETRY_SECS" envDefault:"20" envInfo:"Cooldown between Lightning payment attempts"`
	FailLeaveAttempts uint32 `mapstructure:"FAIL_LEAVE_ATTEMPTS" envDefault:"3" envInfo:"Payment attempts before an auto-leave is considered"`
	FailLeaveWaitSecs uint32 `mapstructure:"FAIL_LEAVE_WAIT_SECS" envDefault:"60" envInfo:"Min elapsed time since first payment attempt before auto-leave"`
	AutoLeaveSecs     uint32 `mapstructure:"AUTO_LEAVE_SECS" envDefault:"60" envInfo:"Grace period before leaving a channel with an expired invite"`

	QuoteFromOffers   bool `mapstructure:"QUOTE_FROM_OFFERS" envDefault:"true" envInfo:"Auto-quote RFQs matching published offers"`
	QuoteFromRfqs     bool `mapstructure:"QUOTE_FROM_RFQS" envDefault:"false" envInfo:"Auto-quote any RFQ from the first standing offer"`
	AcceptQuotes      bool `mapstructure:"ACCEPT_QUOTES" envDefault:"false" envInfo:"Auto-accept the latest quote on own RFQs"`
	InviteFromAccepts bool `mapstructure:"INVITE_FROM_ACCEPTS" envDefault:"true" envInfo:"Auto-invite takers whose accept references our quote"`
	JoinInvites       bool `mapstructure:"JOIN_INVITES" envDefault:"true" envInfo:"Auto-join swap channels we are invited to"`
	Settle            bool `mapstructure:"SETTLE" envDefault:"true" envInfo:"Auto-run terms, invoice, escrow, pay, claim and refund steps"`

	LiquidityMode string `mapstructure:"LIQUIDITY_MODE" envDefault:"own" envInfo:"Liquidity sourcing: own | delegated"`

	signerKey *btcec.PrivateKey
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("SCAMBIO")
	v.AutomaticEnv()

	if err := setDefaultConfig(v); err != nil {
		return nil, fmt.Errorf("error setting default config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %v", err)
	}

	if err := config.initDb(); err != nil {
		return nil, fmt.Errorf("error initializing data directory: %w", err)
	}

	if err := config.initSignerKey(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SignerPrivateKey returns the parsed envelope signing key, nil if unset.
func (c *Config) SignerPrivateKey() *btcec.PrivateKey {
	return c.signerKey
}

// RfqChannelList splits the configured channel list.
func (c *Config) RfqChannelList() []string {
	if c.RfqChannels == "" {
		return nil
	}
	parts := strings.Split(c.RfqChannels, ",")
	channels := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			channels = append(channels, trimmed)
		}
	}
	return channels
}

func (c *Config) initSignerKey() error {
	if c.SignerKey == "" {
		return nil
	}
	buf, err := hex.DecodeString(c.SignerKey)
	if err != nil || len(buf) != 32 {
		return fmt.Errorf("SIGNER_KEY must be 32 hex bytes")
	}
	c.signerKey = secp256k1.PrivKeyFromBytes(buf)
	return nil
}

func (c *Config) initDb() error {
	supportedDbType := map[string]struct{}{
		badgerDb: {},
	}

	if _, ok := supportedDbType[c.DbType]; !ok {
		return fmt.Errorf("unsupported db type: %s", c.DbType)
	}

	if c.Datadir == "scambio" {
		c.Datadir = appDatadir("scambio", false)
	}
	return makeDirectoryIfNotExists(c.Datadir)
}

func setDefaultConfig(v *viper.Viper) error {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("mapstructure")
		def := f.Tag.Get("envDefault")
		if def != "" {
			v.SetDefault(key, def)
		}
		err := v.BindEnv(key)
		if err != nil {
			return fmt.Errorf("error binding env variable for key %s: %w", key, err)
		}
	}
	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

// appDatadir returns an operating system specific directory to be used for
// storing application data for an application.
func appDatadir(appName string, roaming bool) string {
	if appName == "" || appName == "." {
		return "."
	}

	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := string(unicode.ToUpper(rune(appName[0]))) + appName[1:]
	appNameLower := string(unicode.ToLower(rune(appName[0]))) + appName[1:]

	var homeDir string
	usr, err := user.Current()
	if err == nil {
		homeDir = usr.HomeDir
	}
	if err != nil || homeDir == "" {
		homeDir = os.Getenv("HOME")
	}

	goos := runtime.GOOS
	switch goos {
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if roaming || appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData != "" {
			return filepath.Join(appData, appNameUpper)
		}

	case "darwin":
		if homeDir != "" {
			return filepath.Join(homeDir, "Library",
				"Application Support", appNameUpper)
		}

	case "plan9":
		if homeDir != "" {
			return filepath.Join(homeDir, appNameLower)
		}

	default:
		if homeDir != "" {
			return filepath.Join(homeDir, "."+appNameLower)
		}
	}

	return "."
}
