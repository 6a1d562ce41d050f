package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codefionn/iqdump/internal/executor"
	"github.com/codefionn/iqdump/internal/protocol"
)

// iqEngineFormat is written to the driver's iq_engine debug file to arm the
// capture; %s is the band's sample buffer offset.
const iqEngineFormat = "0 1 0 15 0 %s 0 2 0  1 0 0 0"

// hexdumpFormat prints one 32-bit word per line as 0x%08x
const hexdumpFormat = `"0x%08x""\n"`

// BandProfile describes where a band's capture engine and sample memory live
type BandProfile struct {
	Phy    string
	Offset string
	Base   uint32
	Length uint32
}

var bandProfiles = map[protocol.Band]BandProfile{
	protocol.Band5GHz:  {Phy: "phy1", Offset: "e000", Base: 0x20000000, Length: 0x62000},
	protocol.Band24GHz: {Phy: "phy0", Offset: "1c000", Base: 0x30000000, Length: 0xd8000},
}

// ProfileFor returns the capture layout of band
func ProfileFor(band protocol.Band) (BandProfile, bool) {
	p, ok := bandProfiles[band]
	return p, ok
}

// dumpIQ arms the capture engine, then dumps the sample memory through
// hexdump into the output file. Both steps run; the result is their AND.
func (d *Dispatcher) dumpIQ(ctx context.Context, c protocol.DumpIQ) bool {
	profile, ok := ProfileFor(c.Band)
	if !ok {
		d.log.Error("dump: unknown band %v", c.Band)
		return false
	}

	outPath, err := d.tempPath(c.OutputName)
	if err != nil {
		d.log.Error("dump: %v", err)
		return false
	}

	enginePath := filepath.Join(d.cfg.DebugFSRoot, profile.Phy, "siwifi", "iq_engine")
	armScript := fmt.Sprintf("echo %s > %s", shellQuote(fmt.Sprintf(iqEngineFormat, profile.Offset)), shellQuote(enginePath))
	armed := d.run(ctx, d.shell(armScript))

	dumped := d.dumpMemory(ctx, profile, outPath)

	d.log.Info("dump: band=%s file=%s armed=%t dumped=%t", c.Band, outPath, armed, dumped)
	return armed && dumped
}

func (d *Dispatcher) dumpMemory(ctx context.Context, profile BandProfile, outPath string) bool {
	out, err := os.Create(outPath)
	if err != nil {
		d.log.Error("dump: can't create %s: %v", outPath, err)
		return false
	}
	defer out.Close()

	err = d.exec.Pipeline(ctx, out,
		executor.Cmd(d.cfg.Tools.MemDump, fmt.Sprintf("0x%08x", profile.Base), fmt.Sprintf("0x%x", profile.Length)),
		executor.Cmd(d.cfg.Tools.HexDump, "-v", "-e", hexdumpFormat),
	)
	if err != nil {
		d.log.Error("dump: %v", err)
		return false
	}

	if err := out.Sync(); err != nil {
		d.log.Error("dump: can't flush %s: %v", outPath, err)
		return false
	}
	return true
}
