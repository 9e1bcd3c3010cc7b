package pipeline

// Numbered outputs under processed/.
const (
	File1AnonEmail        = "1_journals_anon_email.csv"
	File2Preprocessed     = "2_journals_preprocessed.csv"
	File3SurveyTotals     = "3_qualtrics_totals.csv"
	File4AnonBoth         = "4_journals_anon_content_both.csv"
	File5AnonContent      = "5_journals_anon_content_only.csv"
	File6Utterances       = "6_anon_utterances.csv"
	File7JournalsMerged   = "7_qual_jour_merged.csv"
	File8JournalsAnon     = "8_qual_jour_merged_anon.csv"
	File9UttMerged        = "9_qual_utt_merged.csv"
	File10UttAnon         = "10_qual_utt_merged_anon.csv"
	File11JournalsStatus  = "11_journals_status_merged.csv"
	File12UttStatus       = "12_utterances_status_merged.csv"
	File13Participants    = "13_participants_final_filtered.csv"
	File14JournalsFinal   = "14_journals_final_filtered.csv"
	File15UtterancesFinal = "15_utterances_final_filtered.csv"
)

// Bot server exports under raw/bot/.
const (
	BotUsers     = "tsj_usertable.csv"
	BotJournals  = "tsj_journals_saved.csv"
	BotSummaries = "tsj_gptsummaries.csv"
)
