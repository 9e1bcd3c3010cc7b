package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
)

type cached[T any] struct {
	v  T
	ok bool
}

func (c *cached[T]) set(v T) { c.v, c.ok = v, true }

type state struct {
	idmap      *preprocess.IdentityMap
	users      cached[[]preprocess.BotUser]
	anonEmail  cached[[]preprocess.JournalEntry]
	surveys    cached[preprocess.SurveyTable]
	prepped    cached[[]preprocess.JournalEntry]
	anon       cached[[]preprocess.JournalEntry]
	utterances cached[[]preprocess.Utterance]
	journals   cached[preprocess.JournalTable]
	utts       cached[preprocess.UtteranceTable]
	jStatus    cached[preprocess.JournalTable]
	uStatus    cached[preprocess.UtteranceTable]
}

func readInput(path string) (*fileutils.Table, error) {
	if !fileutils.FileExists(path) {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, path)
	}
	t, err := fileutils.ReadCSV(path)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Runner) processed(name string) (*fileutils.Table, error) {
	return readInput(r.cfg.ProcessedFile(name))
}

func (r *Runner) write(name string, header []string, rows [][]string) (string, error) {
	path := r.cfg.ProcessedFile(name)
	if err := fileutils.WriteCSVAtomic(path, header, rows); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Runner) identityMap() (*preprocess.IdentityMap, error) {
	if r.st.idmap != nil {
		return r.st.idmap, nil
	}
	aliases, err := fileutils.LoadStringMap(r.cfg.ConfigFile(config.FileEmailAliases))
	if err != nil {
		return nil, err
	}
	entries, err := fileutils.LoadStringMap(r.cfg.ConfigFile(config.FileEmailPID))
	if err != nil {
		return nil, err
	}
	idmap, err := preprocess.NewIdentityMap(entries, r.cfg.IdentityOptions(aliases))
	if err != nil {
		return nil, err
	}
	r.st.idmap = idmap
	return idmap, nil
}

func (r *Runner) botUsers() ([]preprocess.BotUser, error) {
	if r.st.users.ok {
		return r.st.users.v, nil
	}
	t, err := readInput(filepath.Join(r.cfg.BotDir(), BotUsers))
	if err != nil {
		return nil, err
	}
	users, err := preprocess.BotUsersFromTable(t)
	if err != nil {
		return nil, err
	}
	r.st.users.set(users)
	return users, nil
}

func (r *Runner) pull(ctx context.Context) (preprocess.Report, error) {
	if r.deps.Collector == nil {
		r.log.Info("skip pull: no credentials for any source")
		fmt.Fprintln(r.deps.Progress, "skip pull: no credentials for any source")
		return preprocess.Report{}, nil
	}
	opts := r.cfg.PullOptions(r.deps.SurveyIDs)
	rep, err := r.deps.Collector.Pull(ctx, opts)
	if err != nil {
		return preprocess.Report{}, err
	}
	out := preprocess.Report{RowsOut: rep.StatusRows + rep.GroupRows}
	for _, n := range rep.Tables {
		out.RowsOut += n
	}
	for _, w := range rep.Surveys {
		out.Outputs = append(out.Outputs, filepath.Join(opts.QualtricsDir, w+".csv"))
	}
	return out, nil
}

func (r *Runner) identity() (preprocess.Report, error) {
	idmap, err := r.identityMap()
	if err != nil {
		return preprocess.Report{}, err
	}
	users, err := r.botUsers()
	if err != nil {
		return preprocess.Report{}, err
	}
	jt, err := readInput(filepath.Join(r.cfg.BotDir(), BotJournals))
	if err != nil {
		return preprocess.Report{}, err
	}
	journals, err := preprocess.RawJournalsFromTable(jt)
	if err != nil {
		return preprocess.Report{}, err
	}

	res, flags, err := preprocess.ResolveIdentities(users, journals, idmap)
	if err != nil {
		return preprocess.Report{}, err
	}
	mapPath := r.cfg.ConfigFile(config.FileEmailPID)
	if err := fileutils.SaveStringMap(mapPath, idmap.Entries()); err != nil {
		return preprocess.Report{}, err
	}
	header, rows := preprocess.EncodeAnonEmail(res.Entries)
	out, err := r.write(File1AnonEmail, header, rows)
	if err != nil {
		return preprocess.Report{}, err
	}
	r.st.anonEmail.set(res.Entries)
	r.log.Info("identities resolved", zap.Int("participants", idmap.Len()), zap.Int("new", res.Assigned))
	return preprocess.Report{
		RowsIn:  len(journals),
		RowsOut: len(res.Entries),
		Flags:   flags,
		Outputs: []string{mapPath, out},
	}, nil
}

func (r *Runner) surveys() (preprocess.Report, error) {
	idmap, err := r.identityMap()
	if err != nil {
		return preprocess.Report{}, err
	}
	specs, paths := r.cfg.WaveSpecs()
	instruments := preprocess.DefaultInstruments()

	var (
		waves []preprocess.WaveScores
		flags []preprocess.Flag
		in    int
	)
	for i, spec := range specs {
		t, err := readInput(paths[i])
		if errors.Is(err, ErrMissingInput) {
			r.log.Warn("survey export missing, wave skipped", zap.String("wave", spec.Name), zap.String("path", paths[i]))
			continue
		}
		if err != nil {
			return preprocess.Report{}, err
		}
		ws, wf, err := preprocess.ScoreWave(t, spec, instruments, idmap.Options())
		if err != nil {
			return preprocess.Report{}, err
		}
		in += len(t.Rows)
		waves = append(waves, ws)
		flags = append(flags, wf...)
	}
	if len(waves) == 0 {
		return preprocess.Report{}, fmt.Errorf("%w: no survey exports in %s", ErrMissingInput, r.cfg.QualtricsDir())
	}
	table, mf := preprocess.MergeWaves(waves, idmap)
	flags = append(flags, mf...)

	header, rows := preprocess.EncodeSurveyTable(table)
	out, err := r.write(File3SurveyTotals, header, rows)
	if err != nil {
		return preprocess.Report{}, err
	}
	r.st.surveys.set(table)
	return preprocess.Report{RowsIn: in, RowsOut: len(table.Rows), Flags: flags, Outputs: []string{out}}, nil
}

func (r *Runner) entries() (preprocess.Report, error) {
	entries := r.st.anonEmail.v
	if !r.st.anonEmail.ok {
		t, err := r.processed(File1AnonEmail)
		if err != nil {
			return preprocess.Report{}, err
		}
		if entries, err = preprocess.DecodeAnonEmail(t); err != nil {
			return preprocess.Report{}, err
		}
	}
	idmap, err := r.identityMap()
	if err != nil {
		return preprocess.Report{}, err
	}
	users, err := r.botUsers()
	if err != nil {
		return preprocess.Report{}, err
	}
	byTelegram, tf := preprocess.TelegramIndex("entries", users, idmap)

	var summaries []preprocess.RawSummary
	st, err := readInput(filepath.Join(r.cfg.BotDir(), BotSummaries))
	switch {
	case errors.Is(err, ErrMissingInput):
		r.log.Warn("no summaries export, continuing without summaries")
	case err != nil:
		return preprocess.Report{}, err
	default:
		if summaries, err = preprocess.RawSummariesFromTable(st); err != nil {
			return preprocess.Report{}, err
		}
	}
	boiler, err := r.cfg.Boilerplate()
	if err != nil {
		return preprocess.Report{}, err
	}

	out, flags := preprocess.NormalizeEntries(entries, summaries, byTelegram, preprocess.TextOptions{Boilerplate: boiler})
	header, rows := preprocess.EncodeEntries(preprocess.PreprocessedColumns, out)
	path, err := r.write(File2Preprocessed, header, rows)
	if err != nil {
		return preprocess.Report{}, err
	}
	r.st.prepped.set(out)
	return preprocess.Report{
		RowsIn:  len(entries) + len(summaries),
		RowsOut: len(out),
		Flags:   append(tf, flags...),
		Outputs: []string{path},
	}, nil
}

func (r *Runner) anonymise(ctx context.Context) (preprocess.Report, error) {
	if r.deps.Names == nil || r.deps.Full == nil {
		return preprocess.Report{}, errors.New("no redactor configured")
	}
	entries := r.st.prepped.v
	if !r.st.prepped.ok {
		t, err := r.processed(File2Preprocessed)
		if err != nil {
			return preprocess.Report{}, err
		}
		if entries, err = preprocess.DecodeEntries(t, preprocess.PreprocessedColumns); err != nil {
			return preprocess.Report{}, err
		}
	}

	opts := preprocess.AnonymiseOptions{Concurrency: r.cfg.Anonymise.Concurrency}
	if r.cfg.Anonymise.Reuse {
		if t, err := r.processed(File4AnonBoth); err == nil {
			prev, err := preprocess.DecodeEntries(t, preprocess.AnonBothColumns)
			if err != nil {
				r.log.Warn("previous anonymised file unreadable, redacting everything", zap.Error(err))
			} else {
				opts.Previous = prev
			}
		}
	}
	total := len(entries)
	step := total / 20
	if step < 1 {
		step = 1
	}
	opts.Progress = func(done, n int) {
		if done%step == 0 || done == n {
			fmt.Fprintf(r.deps.Progress, "anonymise: %d/%d\n", done, n)
		}
	}

	res, flags, err := preprocess.AnonymiseEntries(ctx, entries, r.deps.Names, r.deps.Full, opts)
	if err != nil {
		return preprocess.Report{}, err
	}
	h4, rows4 := preprocess.EncodeEntries(preprocess.AnonBothColumns, res.Entries)
	p4, err := r.write(File4AnonBoth, h4, rows4)
	if err != nil {
		return preprocess.Report{}, err
	}
	h5, rows5 := preprocess.EncodeEntries(preprocess.AnonContentColumns, res.Entries)
	p5, err := r.write(File5AnonContent, h5, rows5)
	if err != nil {
		return preprocess.Report{}, err
	}
	r.st.anon.set(res.Entries)
	r.log.Info("entries anonymised",
		zap.Int("redacted", res.Redacted),
		zap.Int("reused", res.Reused),
		zap.Int("failed", res.Failed),
	)
	return preprocess.Report{RowsIn: total, RowsOut: len(res.Entries), Flags: flags, Outputs: []string{p4, p5}}, nil
}

func (r *Runner) anonEntries() ([]preprocess.JournalEntry, error) {
	if r.st.anon.ok {
		return r.st.anon.v, nil
	}
	t, err := r.processed(File5AnonContent)
	if err != nil {
		return nil, err
	}
	entries, err := preprocess.DecodeEntries(t, preprocess.AnonContentColumns)
	if err != nil {
		return nil, err
	}
	r.st.anon.set(entries)
	return entries, nil
}

func (r *Runner) sentences() (preprocess.Report, error) {
	if r.deps.Segmenter == nil {
		return preprocess.Report{}, errors.New("no segmenter configured")
	}
	entries, err := r.anonEntries()
	if err != nil {
		return preprocess.Report{}, err
	}
	utts := preprocess.SegmentEntries(entries, r.deps.Segmenter)
	header, rows := preprocess.EncodeUtterances(utts)
	path, err := r.write(File6Utterances, header, rows)
	if err != nil {
		return preprocess.Report{}, err
	}
	r.st.utterances.set(utts)
	return preprocess.Report{RowsIn: len(entries), RowsOut: len(utts), Outputs: []string{path}}, nil
}

func (r *Runner) merge() (preprocess.Report, error) {
	entries, err := r.anonEntries()
	if err != nil {
		return preprocess.Report{}, err
	}
	utts := r.st.utterances.v
	if !r.st.utterances.ok {
		t, err := r.processed(File6Utterances)
		if err != nil {
			return preprocess.Report{}, err
		}
		if utts, err = preprocess.DecodeUtterances(t); err != nil {
			return preprocess.Report{}, err
		}
	}
	surveys := r.st.surveys.v
	if !r.st.surveys.ok {
		t, err := r.processed(File3SurveyTotals)
		if err != nil {
			return preprocess.Report{}, err
		}
		if surveys, err = preprocess.DecodeSurveyTable(t); err != nil {
			return preprocess.Report{}, err
		}
	}

	journals := preprocess.MergeJournals(entries, surveys)
	utterances := preprocess.MergeUtterances(utts, surveys)
	if len(journals.Rows) != len(entries) || len(utterances.Rows) != len(utts) {
		return preprocess.Report{}, fmt.Errorf("merge changed row counts: journals %d->%d utterances %d->%d",
			len(entries), len(journals.Rows), len(utts), len(utterances.Rows))
	}

	var outputs []string
	for _, o := range []struct {
		name   string
		layout preprocess.TableLayout
	}{
		{File7JournalsMerged, preprocess.LayoutMerged},
		{File8JournalsAnon, preprocess.LayoutMergedAnon},
	} {
		h, rows := preprocess.EncodeJournalTable(journals, o.layout)
		p, err := r.write(o.name, h, rows)
		if err != nil {
			return preprocess.Report{}, err
		}
		outputs = append(outputs, p)
	}
	for _, o := range []struct {
		name   string
		layout preprocess.TableLayout
	}{
		{File9UttMerged, preprocess.LayoutMerged},
		{File10UttAnon, preprocess.LayoutMergedAnon},
	} {
		h, rows := preprocess.EncodeUtteranceTable(utterances, o.layout)
		p, err := r.write(o.name, h, rows)
		if err != nil {
			return preprocess.Report{}, err
		}
		outputs = append(outputs, p)
	}

	var flags []preprocess.Flag
	missing := map[string]bool{}
	for _, j := range journals.Rows {
		if !j.HasSurvey && !missing[j.PID] {
			missing[j.PID] = true
			flags = append(flags, preprocess.Flag{
				Stage: "merge", Dataset: "8_qual_jour_merged_anon", Key: j.PID,
				Reason: preprocess.ReasonMissingSurvey, Detail: "participant has no survey row",
			})
		}
	}
	r.st.journals.set(journals)
	r.st.utts.set(utterances)
	return preprocess.Report{
		RowsIn:  len(entries) + len(utts),
		RowsOut: len(journals.Rows) + len(utterances.Rows),
		Flags:   flags,
		Outputs: outputs,
	}, nil
}

func (r *Runner) status() (preprocess.Report, error) {
	journals := r.st.journals.v
	if !r.st.journals.ok {
		t, err := r.processed(File8JournalsAnon)
		if err != nil {
			return preprocess.Report{}, err
		}
		if journals, err = preprocess.DecodeJournalTable(t); err != nil {
			return preprocess.Report{}, err
		}
	}
	utts := r.st.utts.v
	if !r.st.utts.ok {
		t, err := r.processed(File10UttAnon)
		if err != nil {
			return preprocess.Report{}, err
		}
		if utts, err = preprocess.DecodeUtteranceTable(t); err != nil {
			return preprocess.Report{}, err
		}
	}
	idmap, err := r.identityMap()
	if err != nil {
		return preprocess.Report{}, err
	}
	statusPath := r.cfg.ConfigFile(config.FileStatusByEmail)
	if !fileutils.FileExists(statusPath) {
		return preprocess.Report{}, fmt.Errorf("%w: %s", ErrMissingInput, statusPath)
	}
	byEmail, err := fileutils.LoadStringMap(statusPath)
	if err != nil {
		return preprocess.Report{}, err
	}
	groupByEmail, err := fileutils.LoadStringMap(r.cfg.ConfigFile(config.FileGroupByEmail))
	if err != nil {
		return preprocess.Report{}, err
	}
	users, err := r.botUsers()
	if errors.Is(err, ErrMissingInput) {
		r.log.Warn("bot user table missing, groups come from the group sheet only")
		users, err = nil, nil
	}
	if err != nil {
		return preprocess.Report{}, err
	}

	status, sf := preprocess.StatusByPID(byEmail, idmap)
	groups, gf := preprocess.GroupsByPID(users, groupByEmail, idmap)
	statusOut := r.cfg.ConfigFile(config.FileStatusByPID)
	groupOut := r.cfg.ConfigFile(config.FileGroupByPID)
	if err := fileutils.SaveStringMap(statusOut, status); err != nil {
		return preprocess.Report{}, err
	}
	if err := fileutils.SaveStringMap(groupOut, groups); err != nil {
		return preprocess.Report{}, err
	}

	journals = journals.AttachStatus(status, groups)
	utts = utts.AttachStatus(status, groups)
	h11, rows11 := preprocess.EncodeJournalTable(journals, preprocess.LayoutStatus)
	p11, err := r.write(File11JournalsStatus, h11, rows11)
	if err != nil {
		return preprocess.Report{}, err
	}
	h12, rows12 := preprocess.EncodeUtteranceTable(utts, preprocess.LayoutStatus)
	p12, err := r.write(File12UttStatus, h12, rows12)
	if err != nil {
		return preprocess.Report{}, err
	}

	unknown := 0
	for _, j := range journals.Rows {
		if j.Status == preprocess.StatusUnknown {
			unknown++
		}
	}
	r.log.Info("status attached", zap.Int("status_pids", len(status)), zap.Int("group_pids", len(groups)), zap.Int("unknown_status_rows", unknown))
	r.st.jStatus.set(journals)
	r.st.uStatus.set(utts)
	return preprocess.Report{
		RowsIn:  len(journals.Rows) + len(utts.Rows),
		RowsOut: len(journals.Rows) + len(utts.Rows),
		Flags:   append(sf, gf...),
		Outputs: []string{statusOut, groupOut, p11, p12},
	}, nil
}

func (r *Runner) final() (preprocess.Report, error) {
	journals := r.st.jStatus.v
	if !r.st.jStatus.ok {
		t, err := r.processed(File11JournalsStatus)
		if err != nil {
			return preprocess.Report{}, err
		}
		if journals, err = preprocess.DecodeJournalTable(t); err != nil {
			return preprocess.Report{}, err
		}
	}
	utts := r.st.uStatus.v
	if !r.st.uStatus.ok {
		t, err := r.processed(File12UttStatus)
		if err != nil {
			return preprocess.Report{}, err
		}
		if utts, err = preprocess.DecodeUtteranceTable(t); err != nil {
			return preprocess.Report{}, err
		}
	}

	d, flags, err := preprocess.FinalFilter(journals, utts, r.cfg.FilterOptions())
	if err != nil {
		return preprocess.Report{}, err
	}
	h13, rows13 := preprocess.EncodeParticipants(d.Participants)
	p13, err := r.write(File13Participants, h13, rows13)
	if err != nil {
		return preprocess.Report{}, err
	}
	h14, rows14 := preprocess.EncodeJournalTable(d.Journals, preprocess.LayoutStatus)
	p14, err := r.write(File14JournalsFinal, h14, rows14)
	if err != nil {
		return preprocess.Report{}, err
	}
	h15, rows15 := preprocess.EncodeUtteranceTable(d.Utterances, preprocess.LayoutStatus)
	p15, err := r.write(File15UtterancesFinal, h15, rows15)
	if err != nil {
		return preprocess.Report{}, err
	}

	r.log.Info("final datasets",
		zap.Int("participants", len(d.Participants.Rows)),
		zap.Int("journals", len(d.Journals.Rows)),
		zap.Int("utterances", len(d.Utterances.Rows)),
		zap.String("excluded", preprocess.FormatCounts(d.Excluded)),
		zap.String("groups", preprocess.FormatCounts(d.Participants.GroupCounts())),
	)
	return preprocess.Report{
		RowsIn:  len(journals.Rows) + len(utts.Rows),
		RowsOut: len(d.Participants.Rows) + len(d.Journals.Rows) + len(d.Utterances.Rows),
		Flags:   flags,
		Outputs: []string{p13, p14, p15},
	}, nil
}
