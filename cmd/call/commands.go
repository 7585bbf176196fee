package call

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/dSMB/cmd/util"
	"github.com/ValentinKolb/dSMB/rpc/client"
	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/ValentinKolb/dSMB/rpc/transport/base"
	"github.com/spf13/cobra"
)

var (
	echoCmd = &cobra.Command{
		Use:   "echo [count]",
		Short: "Sends ECHO requests and prints their round trip time",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("count must be a positive number: %s", args[0])
				}
				count = n
			}
			for i := 0; i < count; i++ {
				start := time.Now()
				if err := session.Echo(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("echo %d: %s\n", i+1, time.Since(start))
			}
			return nil
		},
	}

	sendCmd = &cobra.Command{
		Use:   "send [command] [hex-body]",
		Short: "Sends a raw request and prints the response",
		Long:  "Sends a raw request. The command is a name like ECHO or a numeric code, the body is everything after the 64 byte header, hex encoded.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSend,
	}

	lockCmd = &cobra.Command{
		Use:   "lock [file-id] [offset] [length]",
		Short: "Locks a byte range and waits until it is granted",
		Long:  "Locks a byte range of an open file. The file id is the hex encoded 16 byte handle. If the lock is not granted within --wait, the pending lock is cancelled.",
		Args:  cobra.ExactArgs(3),
		RunE:  runLock,
	}
)

func init() {
	sendCmd.Flags().Bool("async", false, util.WrapString("Send without blocking and print the response from the callback"))
	sendCmd.Flags().Bool("no-wait", false, util.WrapString("Send and discard the response"))
	sendCmd.Flags().Bool("sign", false, util.WrapString("Sign the request even if signing is not required"))
	sendCmd.Flags().Duration("wait", 0, util.WrapString("Interrupt the request after this duration (0 waits forever)"))

	lockCmd.Flags().Bool("shared", false, util.WrapString("Take a shared instead of an exclusive lock"))
	lockCmd.Flags().Bool("fail-immediately", false, util.WrapString("Fail instead of waiting if the range is locked"))
	lockCmd.Flags().Duration("wait", 10*time.Second, util.WrapString("How long to wait for the lock"))
	lockCmd.Flags().Bool("unlock", false, util.WrapString("Release the range instead of locking it"))
}

func runSend(cmd *cobra.Command, args []string) error {
	command, err := common.ParseCommand(args[0])
	if err != nil {
		return err
	}
	var body []byte
	if len(args) == 2 {
		if body, err = hex.DecodeString(args[1]); err != nil {
			return fmt.Errorf("body must be hex encoded: %w", err)
		}
	}

	req := session.NewRequest(command, body)
	if sign, _ := cmd.Flags().GetBool("sign"); sign {
		req.Sign = true
	}

	if noWait, _ := cmd.Flags().GetBool("no-wait"); noWait {
		if err := session.DoNoWait(req); err != nil {
			return err
		}
		fmt.Printf("%s sent\n", command)
		return nil
	}

	if async, _ := cmd.Flags().GetBool("async"); async {
		done := make(chan error, 1)
		err := session.DoAsync(req, func(resp *transport.Response, err error) {
			if err == nil {
				printResponse(resp)
				resp.Release()
			}
			done <- err
		})
		if err != nil {
			return err
		}
		return <-done
	}

	ctx := cmd.Context()
	if wait, _ := cmd.Flags().GetDuration("wait"); wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	resp, err := session.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Release()
	printResponse(resp)
	return nil
}

func runLock(cmd *cobra.Command, args []string) error {
	rawID, err := hex.DecodeString(args[0])
	if err != nil || len(rawID) != len(client.FileID{}) {
		return fmt.Errorf("file id must be %d hex encoded bytes", len(client.FileID{}))
	}
	var file client.FileID
	copy(file[:], rawID)

	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("offset must be a number: %w", err)
	}
	length, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("length must be a number: %w", err)
	}

	element := client.LockElement{Offset: offset, Length: length, Flags: base.LockFlagExclusive}
	if shared, _ := cmd.Flags().GetBool("shared"); shared {
		element.Flags = base.LockFlagShared
	}
	if failImmediately, _ := cmd.Flags().GetBool("fail-immediately"); failImmediately {
		element.Flags |= base.LockFlagFailImmediately
	}

	wait, _ := cmd.Flags().GetDuration("wait")
	ctx, cancel := context.WithTimeout(cmd.Context(), wait)
	defer cancel()

	if unlock, _ := cmd.Flags().GetBool("unlock"); unlock {
		if err := session.Unlock(ctx, file, element); err != nil {
			return err
		}
		fmt.Println("unlocked successfully")
		return nil
	}
	if err := session.Lock(ctx, file, element); err != nil {
		return err
	}
	fmt.Println("locked successfully")
	return nil
}

// printResponse prints the header fields and the body of resp
func printResponse(resp *transport.Response) {
	h := resp.Header
	fmt.Printf("%s mid=%d status=%s credits=%d flags=0x%08x\n", h.Command, h.MessageID, h.Status, h.Credits, uint32(h.Flags))
	if body := resp.Body(); len(body) > 0 {
		fmt.Print(hex.Dump(body))
	}
}
