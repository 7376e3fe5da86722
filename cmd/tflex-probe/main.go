// tflex-probe 现场调试 T-Flex 的命令行工具
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roluatm/kiosk/internal/config"
	"github.com/roluatm/kiosk/internal/hardware"
	"github.com/roluatm/kiosk/internal/logger"
)

func main() {
	var (
		port     = flag.String("port", "/dev/ttyACM0", "串口设备")
		list     = flag.Bool("list", false, "列出系统串口")
		status   = flag.Bool("status", false, "查询状态 (S)")
		count    = flag.Bool("count", false, "查询剩余币量 (C)")
		dispense = flag.Int("dispense", 0, "出币数量 1-99 (D<nn>)")
		raw      = flag.String("raw", "", "发送原始命令")
		mock     = flag.Bool("mock", false, "使用模拟出币机")
		timeout  = flag.Duration("timeout", 5*time.Second, "单条命令超时")
		verbose  = flag.Bool("v", false, "输出调试日志")
	)
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	_ = logger.Init(&config.LogConfig{Level: level, Format: "console", Output: "stdout"})
	defer logger.Cleanup()

	if *list {
		ports, err := hardware.ListPorts()
		if err != nil {
			fatal(err)
		}
		if len(ports) == 0 {
			fmt.Println("未发现串口")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := hardware.DefaultSerialConfig(*port)
	cfg.ReadTimeout = *timeout

	var opener hardware.PortOpener
	if *mock {
		opener = hardware.NewSimulator(500).Opener()
	}
	tr := hardware.NewTransport(cfg, opener)
	driver := hardware.NewDriver(tr, hardware.DefaultDriverConfig())

	if err := driver.Connect(ctx); err != nil {
		fatal(err)
	}
	defer driver.Disconnect()

	switch {
	case *raw != "":
		reply, err := tr.Exchange(ctx, *raw)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s -> %q\n", *raw, reply)

	case *dispense > 0:
		out, err := driver.Dispense(ctx, *dispense)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("出币 %d 枚，尝试 %d 次，最终状态 %s\n", out.CoinsDispensed, out.Attempts, out.FinalStatus)

	case *count:
		fmt.Println(driver.CoinCount(ctx))

	case *status:
		fmt.Println(driver.Status(ctx))

	default:
		d := driver.Diagnostics(ctx)
		fmt.Printf("端口: %s\n连接: %v\n状态: %s\n余量: %d\n", d.Port, d.Connected, d.Status, d.CoinCount)
		if d.LastError != "" {
			fmt.Printf("最近错误: %s\n", d.LastError)
		}
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "错误: %v\n", err)
	os.Exit(1)
}
