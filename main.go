package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/leaguechat/auth"
	"github.com/mqy/leaguechat/chat"
	"github.com/mqy/leaguechat/cluster"
	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/store"
	"github.com/mqy/leaguechat/ws"
)

const (
	storeBolt  = "bolt"
	storeMySQL = "mysql"
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "leaguechat.pid", "pid file")

	flagStore    = flag.String("store", storeBolt, "message store: bolt or mysql")
	flagBoltPath = flag.String("bolt-path", "leaguechat.db", "bolt store: database file")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/leaguechat?charset=utf8mb4&collation=utf8mb4_bin", "mysql server dsn")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers, empty to run as a single node")
	flagKafkaTopic   = flag.String("kafka-topic", "leaguechat-feed", "kafka topic of feed events")

	flagWindowSize    = flag.Int("window-size", chat.DefaultWindow, "default number of messages of a subscription snapshot")
	flagPageSizeLimit = flag.Int("page-size-limit", chat.DefaultWindow, "number of messages of a load older page")
	flagOpTimeout     = flag.Duration("op-timeout", chat.DefaultTimeout, "timeout of a chat operation")
	flagDMReplies     = flag.Bool("dm-replies", false, "enable replies in direct chats")

	flagLeagueMembers = flag.String("league-members", "", "league members file, one \"<league id> <identity>\" per line; defaults to the league_members table with -store=mysql")
	flagModerators    = flag.String("moderators", "", "comma separated moderator identities")

	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	glog.Info("leaguechat server is starting")

	var db *sql.DB
	if *flagStore == storeMySQL {
		var err error
		if db, err = sql.Open("mysql", *flagMysqlDsn); err != nil {
			return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
		defer db.Close()
	}

	var messageStore store.IMessageStore
	switch *flagStore {
	case storeBolt:
		s, err := store.OpenBoltStore(*flagBoltPath, nil)
		if err != nil {
			return errorf("open bolt store `%s` error: %v", *flagBoltPath, err)
		}
		messageStore = s
	case storeMySQL:
		messageStore = store.NewMySQLStore(db, nil)
	}
	defer messageStore.Close()

	members, err := newLeagueMembers(db)
	if err != nil {
		return errorf("--league-members: %v", err)
	}
	policy := &auth.Policy{
		Members:    members,
		Moderators: splitSet(*flagModerators),
	}

	broker := feed.NewBroker()
	defer broker.Close()

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}

	node := cluster.NewNode(&cluster.NodeCfg{
		Addr:         *flagAddr,
		Mux:          mux,
		Broker:       broker,
		KafkaBrokers: splitList(*flagKafkaBrokers),
		KafkaTopic:   *flagKafkaTopic,
		// every node consumes all events.
		KafkaGroupId: fmt.Sprintf("leaguechat-%s", strings.ReplaceAll(uuid.New(), "-", "")),
	})

	svc := chat.NewService(messageStore, broker, node.Publisher(), policy, &chat.Options{Timeout: *flagOpTimeout})
	hub := ws.NewHub(newAuthClient(), ws.NewApi(svc, &ws.Conf{
		Window:        *flagWindowSize,
		PageSize:      *flagPageSizeLimit,
		DirectReplies: *flagDMReplies,
	}))
	mux.Handle("/ws", hub)

	stopNotifyChan := make(chan struct{}, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx, stopNotifyChan)
	go node.Run(ctx, stopNotifyChan)

	glog.Infof("leaguechat server is started, store: %s, addr: %s", *flagStore, *flagAddr)
	glog.Infof("`CTRL+c` or `kill %d` to graceful stop", pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	glog.Infof("received signal `%s` stopping", sig.String())
	signal.Stop(sigCh)

	cancel()
	<-stopNotifyChan
	<-stopNotifyChan

	glog.Info("leaguechat server exited")
	return 0
}

func newAuthClient() auth.Client {
	// TODO: hook into production auth API.
	return &auth.MockClient{}
}

func newLeagueMembers(db *sql.DB) (auth.LeagueMembers, error) {
	if *flagLeagueMembers != "" {
		return auth.LoadStaticMembers(*flagLeagueMembers)
	}
	if db != nil {
		return &auth.SQLMembers{DB: db}, nil
	}
	glog.Warningf("no league members configured, league chats are open to moderators only")
	return auth.NewStaticMembers(), nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func splitSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, v := range splitList(s) {
		out[v] = true
	}
	return out
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}

	switch *flagStore {
	case storeBolt:
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case storeMySQL:
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required.")
		}
	default:
		return errorf("--store: expect `%s` or `%s`, got `%s`", storeBolt, storeMySQL, *flagStore)
	}

	if len(splitList(*flagKafkaBrokers)) > 0 && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required")
	}

	if *flagWindowSize < 1 || *flagWindowSize > chat.MaxWindow {
		return errorf("--window-size MUST in range [1, %d]", chat.MaxWindow)
	}
	if *flagPageSizeLimit < 1 || *flagPageSizeLimit > chat.MaxWindow {
		return errorf("--page-size-limit MUST in range [1, %d]", chat.MaxWindow)
	}
	if *flagOpTimeout <= 0 {
		return errorf("--op-timeout is required positive duration")
	}

	if *flagLeagueMembers != "" {
		if _, err := os.Stat(*flagLeagueMembers); err != nil {
			return errorf("error stat league members file `%s`: %v", *flagLeagueMembers, err)
		}
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
